package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ResultsProxy forwards result-artifact requests to the reporting client
// running next to the physical device. The server never stores artifacts;
// it only relays them so the dashboard needs a single origin.
type ResultsProxy struct {
	handlers *APIHandlers
	client   *http.Client
	logger   *logrus.Logger
}

// NewResultsProxy creates a proxy with a bounded upstream timeout.
func NewResultsProxy(handlers *APIHandlers, timeout time.Duration, logger *logrus.Logger) *ResultsProxy {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ResultsProxy{
		handlers: handlers,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Latest proxies GET /results/latest
func (p *ResultsProxy) Latest(c *gin.Context) { p.forward(c, http.MethodGet, "/results/latest") }

// Images proxies GET /results/images
func (p *ResultsProxy) Images(c *gin.Context) { p.forward(c, http.MethodGet, "/results/images") }

// Recent proxies GET /results/recent
func (p *ResultsProxy) Recent(c *gin.Context) { p.forward(c, http.MethodGet, "/results/recent") }

// Table proxies GET /results/table
func (p *ResultsProxy) Table(c *gin.Context) { p.forward(c, http.MethodGet, "/results/table") }

// Image proxies GET /results/image/{filename}
func (p *ResultsProxy) Image(c *gin.Context) {
	filename := c.Param("filename")
	if filename == "" || strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		return
	}
	p.forward(c, http.MethodGet, "/results/image/"+filename)
}

// Cleanup proxies POST /results/cleanup
func (p *ResultsProxy) Cleanup(c *gin.Context) { p.forward(c, http.MethodPost, "/results/cleanup") }

// forward relays one request to the device's client base URL. Upstream
// status codes and bodies pass through untouched; transport failures map
// to 502 so callers can tell "device unreachable" from "no results".
func (p *ResultsProxy) forward(c *gin.Context, method, path string) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	device, err := p.handlers.services.Devices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if device.ClientBaseURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "device has no client base URL configured"})
		return
	}

	upstream := strings.TrimRight(device.ClientBaseURL, "/") + path
	if raw := c.Request.URL.RawQuery; raw != "" {
		upstream += "?" + raw
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), method, upstream, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build upstream request"})
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": id,
			"upstream":  upstream,
		}).Warn("Device client unreachable")
		c.JSON(http.StatusBadGateway, gin.H{"error": "device client unreachable"})
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}
