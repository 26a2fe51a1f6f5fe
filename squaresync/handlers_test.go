package squaresync

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/referrals_backend/config"
	"github.com/mmdatafocus/referrals_backend/models"
)

func TestParseWindowFullRun(t *testing.T) {
	min, max, err := parseWindow(TriggerBackfillRequest{
		WindowMin: "2024-01-01T00:00:00Z",
		WindowMax: "2024-01-20T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("parseWindow: %v", err)
	}
	if min == nil || max == nil {
		t.Fatal("both bounds expected")
	}
	if max.Sub(*min) != 19*24*time.Hour {
		t.Fatalf("span wrong: %s", max.Sub(*min))
	}
}

func TestParseWindowRequiresMax(t *testing.T) {
	_, _, err := parseWindow(TriggerBackfillRequest{WindowMin: "2024-01-01T00:00:00Z"})
	if !errors.Is(err, ErrWindowRequired) {
		t.Fatalf("expected ErrWindowRequired, got %v", err)
	}
}

func TestParseWindowFullRequiresMin(t *testing.T) {
	_, _, err := parseWindow(TriggerBackfillRequest{WindowMax: "2024-01-20T00:00:00Z"})
	if !errors.Is(err, ErrWindowRequired) {
		t.Fatalf("expected ErrWindowRequired, got %v", err)
	}

	// Incremental derives the lower bound itself.
	min, max, err := parseWindow(TriggerBackfillRequest{
		Incremental: true,
		WindowMax:   "2024-01-20T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("incremental without min should be accepted: %v", err)
	}
	if min != nil || max == nil {
		t.Fatalf("bounds wrong: min=%v max=%v", min, max)
	}
}

func TestParseWindowRejectsWideSpan(t *testing.T) {
	_, _, err := parseWindow(TriggerBackfillRequest{
		WindowMin: "2024-01-01T00:00:00Z",
		WindowMax: "2024-03-01T00:00:00Z",
	})
	if err == nil {
		t.Fatal("a 60-day span must be rejected")
	}

	// Exactly 31 days is the widest accepted span.
	_, _, err = parseWindow(TriggerBackfillRequest{
		WindowMin: "2024-01-01T00:00:00Z",
		WindowMax: "2024-02-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("31-day span should be accepted: %v", err)
	}
}

func TestParseWindowRejectsInvertedBounds(t *testing.T) {
	_, _, err := parseWindow(TriggerBackfillRequest{
		WindowMin: "2024-01-20T00:00:00Z",
		WindowMax: "2024-01-01T00:00:00Z",
	})
	if err == nil {
		t.Fatal("inverted bounds must be rejected")
	}
}

func TestParseWindowRejectsBadFormat(t *testing.T) {
	_, _, err := parseWindow(TriggerBackfillRequest{
		WindowMin: "01/02/2024",
		WindowMax: "2024-01-20T00:00:00Z",
	})
	if err == nil {
		t.Fatal("non-RFC3339 bounds must be rejected")
	}
}

func TestStatusHandler(t *testing.T) {
	config.SetDB(newTestDB(t))
	t.Cleanup(func() { config.SetDB(nil) })
	t.Setenv("INTERNAL_API_TOKEN", "")

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/integrations/square/status", StatusHandler())

	serve := func(businessId string) (int, StatusResponse) {
		req := httptest.NewRequest(http.MethodGet, "/api/integrations/square/status?business_id="+businessId, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		var resp StatusResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec.Code, resp
	}

	code, resp := serve("biz-1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Connection.Status != models.ConnectionStatusDisconnected {
		t.Fatalf("no connection row should read as disconnected: %+v", resp.Connection)
	}

	lastSync := mustTime(t, "2024-02-01T12:00:00Z")
	conn := models.SquareConnection{
		BusinessId:     "biz-1",
		Status:         models.ConnectionStatusConnected,
		AccessTokenRef: "tok",
		MerchantId:     "M-1",
		LocationId:     "LOC-1",
		LastSyncAt:     &lastSync,
	}
	if err := config.GetDB().Create(&conn).Error; err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	code, resp = serve("biz-1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Connection.Status != models.ConnectionStatusConnected ||
		resp.Connection.MerchantId != "M-1" || resp.Connection.LocationId != "LOC-1" {
		t.Fatalf("connection fields wrong: %+v", resp.Connection)
	}
	if resp.LastSyncAt == nil || *resp.LastSyncAt != "2024-02-01T12:00:00Z" {
		t.Fatalf("last sync timestamp wrong: %v", resp.LastSyncAt)
	}

	// Other tenants never see this connection.
	code, resp = serve("biz-2")
	if code != http.StatusOK || resp.Connection.Status != models.ConnectionStatusDisconnected {
		t.Fatalf("foreign business must read as disconnected: code=%d %+v", code, resp.Connection)
	}
}
