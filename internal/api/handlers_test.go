package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/monitor/internal/core"
	"github.com/gin-gonic/gin"
)

func recordError(t *testing.T, err error) (int, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, err)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return w.Code, body
}

func TestRespondErrorMapsSentinels(t *testing.T) {
	if code, _ := recordError(t, core.ErrDeviceNotFound); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing device, got %d", code)
	}
	if code, _ := recordError(t, core.ErrDeviceCodeExists); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate code, got %d", code)
	}
	if code, _ := recordError(t, errors.New("boom")); code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown error, got %d", code)
	}

	code, body := recordError(t, core.ErrConcurrencyConflict)
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for concurrency conflict, got %d", code)
	}
	if body["code"] != "concurrency_conflict" {
		t.Fatalf("expected concurrency_conflict code, got %v", body["code"])
	}
}

func TestRespondErrorCarriesBusinessCode(t *testing.T) {
	code, body := recordError(t, core.BusinessError{
		Code:    "extend_expired",
		Message: "timeout deadline missing or already passed",
		Err:     core.ErrExtendExpired,
	})
	if code != http.StatusConflict {
		t.Fatalf("expected 409 for expired deadline, got %d", code)
	}
	if body["code"] != "extend_expired" {
		t.Fatalf("expected extend_expired code, got %v", body["code"])
	}

	code, body = recordError(t, core.BusinessError{
		Code:    "extend_not_allowed",
		Message: "device must be idle with at least two waiters",
		Err:     core.ErrExtendNotAllowed,
	})
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 when extension preconditions fail, got %d", code)
	}
	if body["code"] != "extend_not_allowed" {
		t.Fatalf("expected extend_not_allowed code, got %v", body["code"])
	}
}
