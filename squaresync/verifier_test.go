package squaresync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mmdatafocus/referrals_backend/models"
	"gorm.io/gorm"
)

func seedAppointments(t *testing.T, db *gorm.DB, businessId string, starts []time.Time) {
	t.Helper()
	for i, start := range starts {
		row := models.Appointment{
			BusinessId:      businessId,
			SquareBookingId: fmt.Sprintf("%s-B%d", businessId, i),
			StartAt:         start,
			LocationId:      "LOC-1",
		}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func completeTrail(items int) *CursorTrail {
	trail := &CursorTrail{}
	trail.Append(CursorTrailEntry{Page: 1, CursorOut: "", ItemCount: items})
	return trail
}

func hourlyTimes(t *testing.T, base string, n int) []time.Time {
	start := mustTime(t, base)
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start.Add(time.Duration(i)*time.Hour))
	}
	return out
}

func TestVerifyAgreement(t *testing.T) {
	db := newTestDB(t)
	starts := hourlyTimes(t, "2024-01-05T09:00:00Z", 10)
	seedAppointments(t, db, "biz-1", starts)
	// Another tenant's rows in the same window must not leak into the count.
	seedAppointments(t, db, "biz-2", starts[:3])

	stats := RunStatistics{
		Fetched:         10,
		Upserted:        10,
		PagesProcessed:  1,
		EarliestStartAt: &starts[0],
		LatestStartAt:   &starts[9],
	}
	filter := PageFilter{
		StartAtMin: mustTime(t, "2024-01-01T00:00:00Z"),
		StartAtMax: mustTime(t, "2024-01-31T00:00:00Z"),
	}

	verifier := NewVerifier(db, newTestLogger(), "biz-1")
	report, err := verifier.Verify(context.Background(), stats, completeTrail(10), filter)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if !report.Passed {
		t.Fatalf("expected pass, got %+v", report)
	}
	if report.StoredCount != 10 {
		t.Fatalf("stored count = %d, want 10", report.StoredCount)
	}
	if !report.CountMatch || !report.TemporalMatch || !report.PaginationComplete {
		t.Fatalf("individual checks wrong: %+v", report)
	}
	if len(report.GapSample) != 0 {
		t.Fatalf("hourly schedule must not report gaps: %+v", report.GapSample)
	}
}

func TestVerifyDetectsTruncatedPagination(t *testing.T) {
	db := newTestDB(t)
	starts := hourlyTimes(t, "2024-01-05T09:00:00Z", 4)
	seedAppointments(t, db, "biz-1", starts)

	stats := RunStatistics{
		Fetched:         4,
		Upserted:        4,
		EarliestStartAt: &starts[0],
		LatestStartAt:   &starts[3],
	}

	// The run swallowed a soft error: last trail entry still points onward.
	trail := &CursorTrail{}
	trail.Append(CursorTrailEntry{Page: 1, CursorOut: "pending", ItemCount: 4})

	verifier := NewVerifier(db, newTestLogger(), "biz-1")
	report, err := verifier.Verify(context.Background(), stats, trail, PageFilter{
		StartAtMin: mustTime(t, "2024-01-01T00:00:00Z"),
		StartAtMax: mustTime(t, "2024-01-31T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if report.PaginationComplete {
		t.Fatal("pending cursor must be detected")
	}
	if report.Passed {
		t.Fatal("truncated run must not pass even when counts agree")
	}
	if !report.CountMatch {
		t.Fatalf("count check should still pass independently: %+v", report)
	}
}

func TestVerifyCountMismatch(t *testing.T) {
	db := newTestDB(t)
	starts := hourlyTimes(t, "2024-01-05T09:00:00Z", 3)
	seedAppointments(t, db, "biz-1", starts)

	stats := RunStatistics{Fetched: 5, Upserted: 5}
	verifier := NewVerifier(db, newTestLogger(), "biz-1")
	report, err := verifier.Verify(context.Background(), stats, completeTrail(5), PageFilter{
		StartAtMin: mustTime(t, "2024-01-01T00:00:00Z"),
		StartAtMax: mustTime(t, "2024-01-31T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.CountMatch || report.Passed {
		t.Fatalf("claimed 5 upserts with 3 stored must fail: %+v", report)
	}
}

func TestVerifyTemporalMismatch(t *testing.T) {
	db := newTestDB(t)
	starts := hourlyTimes(t, "2024-01-05T09:00:00Z", 3)
	seedAppointments(t, db, "biz-1", starts)

	// The run claims it observed a later booking than anything stored.
	beyond := mustTime(t, "2024-01-20T09:00:00Z")
	stats := RunStatistics{
		Fetched:         3,
		Upserted:        3,
		EarliestStartAt: &starts[0],
		LatestStartAt:   &beyond,
	}

	verifier := NewVerifier(db, newTestLogger(), "biz-1")
	report, err := verifier.Verify(context.Background(), stats, completeTrail(3), PageFilter{
		StartAtMin: mustTime(t, "2024-01-01T00:00:00Z"),
		StartAtMax: mustTime(t, "2024-01-31T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.TemporalMatch || report.Passed {
		t.Fatalf("stored bounds do not bracket the observed window: %+v", report)
	}
}

func TestVerifyGapSampleIsAdvisory(t *testing.T) {
	db := newTestDB(t)
	starts := []time.Time{
		mustTime(t, "2024-01-02T09:00:00Z"),
		mustTime(t, "2024-01-02T11:00:00Z"),
		// Five-day hole in the schedule.
		mustTime(t, "2024-01-07T09:00:00Z"),
	}
	seedAppointments(t, db, "biz-1", starts)

	stats := RunStatistics{
		Fetched:         3,
		Upserted:        3,
		EarliestStartAt: &starts[0],
		LatestStartAt:   &starts[2],
	}

	verifier := NewVerifier(db, newTestLogger(), "biz-1")
	report, err := verifier.Verify(context.Background(), stats, completeTrail(3), PageFilter{
		StartAtMin: mustTime(t, "2024-01-01T00:00:00Z"),
		StartAtMax: mustTime(t, "2024-01-31T00:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if len(report.GapSample) != 1 {
		t.Fatalf("expected 1 sampled gap, got %+v", report.GapSample)
	}
	gap := report.GapSample[0]
	if !gap.From.Equal(starts[1]) || !gap.To.Equal(starts[2]) {
		t.Fatalf("gap bounds wrong: %+v", gap)
	}
	if !report.Passed {
		t.Fatal("gaps are advisory and must not fail the run")
	}
}
