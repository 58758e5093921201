package emrsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/worklist/internal/domain/worklist/worklisttest"
)

func TestHandler_Trigger(t *testing.T) {
	store := worklisttest.NewSQLiteStore(t)
	h := NewHandler(newTestService(store, staticSource(order(1, "202401150930", "MR")), Config{}))
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil), rec)
	if err := h.Trigger(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Fetched != 1 || res.Changed != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/sync", nil), rec)
	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Fetched != 1 || status.Error != "" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestHandler_TriggerRemoteDown(t *testing.T) {
	store := worklisttest.NewSQLiteStore(t)
	down := SourceFunc(func(context.Context) ([]RemoteOrder, error) { return nil, ErrRemoteUnavailable })
	h := NewHandler(newTestService(store, down, Config{}))
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	he, ok := h.Trigger(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %v", he)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Error == "" {
		t.Error("expected last error in status")
	}
}
