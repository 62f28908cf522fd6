package reporter

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ProgressReader reads the instrument's progress file: a single integer the
// inspection software rewrites as it works. Anything unreadable counts as 0
// so a wedged instrument shows up as busy-at-zero rather than crashing the
// agent.
type ProgressReader struct {
	progressFile string
	resultsDir   string
	logger       *logrus.Logger
}

// NewProgressReader creates a progress reader.
func NewProgressReader(progressFile, resultsDir string, logger *logrus.Logger) *ProgressReader {
	return &ProgressReader{progressFile: progressFile, resultsDir: resultsDir, logger: logger}
}

// ReadProgress returns the current progress clamped to 0..100.
func (r *ProgressReader) ReadProgress() int {
	if r.progressFile == "" {
		r.logger.Warn("Progress file path not configured, reporting 0")
		return 0
	}

	raw, err := os.ReadFile(r.progressFile)
	if err != nil {
		r.logger.WithError(err).WithField("file", r.progressFile).Warn("Failed to read progress file, reporting 0")
		return 0
	}

	return ParseProgress(string(raw))
}

// ParseProgress interprets raw progress-file content. Empty or garbage
// content maps to 0; out-of-range values are clamped.
func ParseProgress(raw string) int {
	content := strings.TrimSpace(raw)
	if content == "" {
		return 0
	}
	progress, err := strconv.Atoi(content)
	if err != nil {
		return 0
	}
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// LatestResultFolder returns the name of the most recently modified folder
// in the results directory, or "" if there is none.
func (r *ProgressReader) LatestResultFolder() string {
	if r.resultsDir == "" {
		return ""
	}

	entries, err := os.ReadDir(r.resultsDir)
	if err != nil {
		r.logger.WithError(err).WithField("dir", r.resultsDir).Debug("Failed to read results directory")
		return ""
	}

	type folder struct {
		name    string
		modTime int64
	}
	var folders []folder
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		folders = append(folders, folder{name: entry.Name(), modTime: info.ModTime().UnixNano()})
	}
	if len(folders) == 0 {
		return ""
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].modTime > folders[j].modTime })
	return folders[0].name
}
