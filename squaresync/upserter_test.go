package squaresync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/referrals_backend/models"
	"gorm.io/gorm"
)

type mapSource struct {
	profiles map[string]CustomerProfile
	calls    int
}

func (s *mapSource) RetrieveCustomer(ctx context.Context, customerId string) (CustomerProfile, bool, error) {
	s.calls++
	profile, ok := s.profiles[customerId]
	return profile, ok, nil
}

func sampleBooking(t *testing.T, id string) Booking {
	return Booking{
		ID:         id,
		Version:    "1",
		Status:     "ACCEPTED",
		StartAt:    mustTime(t, "2024-01-05T10:00:00Z"),
		CustomerId: "CUST-1",
		LocationId: "LOC-1",
		Raw:        []byte(`{"id":"` + id + `"}`),
		Segments: []BookingSegment{
			{DurationMinutes: 30, ServiceVariationId: "SV-1", ServiceVariationVersion: "7", TeamMemberId: "TM-1"},
			{DurationMinutes: 15, ServiceVariationId: "SV-2", ServiceVariationVersion: "3", TeamMemberId: "TM-2"},
		},
	}
}

func TestUpsertIdempotent(t *testing.T) {
	db := newTestDB(t)
	source := &mapSource{profiles: map[string]CustomerProfile{
		"CUST-1": {ID: "CUST-1", GivenName: "Amara", Email: "amara@example.com"},
	}}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	booking := sampleBooking(t, "B1")
	if err := upserter.Upsert(context.Background(), booking); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	var original models.Appointment
	if err := db.Where("square_booking_id = ?", "B1").Take(&original).Error; err != nil {
		t.Fatalf("load: %v", err)
	}

	booking.Version = "2"
	booking.CustomerNote = "rescheduled twice"
	for i := 0; i < 3; i++ {
		if err := upserter.Upsert(context.Background(), booking); err != nil {
			t.Fatalf("re-upsert %d: %v", i, err)
		}
	}

	var count int64
	db.Model(&models.Appointment{}).Where("business_id = ?", "biz-1").Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 appointment, got %d", count)
	}

	var updated models.Appointment
	if err := db.Where("square_booking_id = ?", "B1").Take(&updated).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if updated.Version != "2" || updated.CustomerNote != "rescheduled twice" {
		t.Fatalf("mutable fields not updated: %+v", updated)
	}
	if updated.ID != original.ID {
		t.Fatalf("surviving row id changed: %d -> %d", original.ID, updated.ID)
	}
	if !updated.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("created_at must survive re-upsert: %v -> %v", original.CreatedAt, updated.CreatedAt)
	}

	var segCount int64
	db.Model(&models.AppointmentSegment{}).Where("appointment_id = ?", updated.ID).Count(&segCount)
	if segCount != 2 {
		t.Fatalf("segments must not accumulate: got %d", segCount)
	}

	// End time derives from total segment duration.
	if updated.EndAt == nil || !updated.EndAt.Equal(booking.StartAt.Add(45*time.Minute)) {
		t.Fatalf("end_at wrong: %v", updated.EndAt)
	}
}

func TestUpsertReplacesSegmentsWholesale(t *testing.T) {
	db := newTestDB(t)
	source := &mapSource{profiles: map[string]CustomerProfile{"CUST-1": {ID: "CUST-1"}}}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	booking := sampleBooking(t, "B1")
	if err := upserter.Upsert(context.Background(), booking); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	booking.Segments = []BookingSegment{
		{DurationMinutes: 60, ServiceVariationId: "SV-9", ServiceVariationVersion: "1", TeamMemberId: "TM-9"},
	}
	if err := upserter.Upsert(context.Background(), booking); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	var segments []models.AppointmentSegment
	if err := db.Where("business_id = ?", "biz-1").Find(&segments).Error; err != nil {
		t.Fatalf("load segments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected wholesale replacement to 1 segment, got %d", len(segments))
	}
	if segments[0].ServiceVariationId != "SV-9" || segments[0].Ordinal != 0 {
		t.Fatalf("surviving segment wrong: %+v", segments[0])
	}

	// Stub catalog rows were created for every variation ever seen.
	var variations int64
	db.Model(&models.ServiceVariation{}).Where("business_id = ?", "biz-1").Count(&variations)
	if variations != 3 {
		t.Fatalf("expected 3 service variation stubs, got %d", variations)
	}
}

func TestUpsertStubsDeletedCustomer(t *testing.T) {
	db := newTestDB(t)
	source := &mapSource{profiles: map[string]CustomerProfile{}}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	if err := upserter.Upsert(context.Background(), sampleBooking(t, "B1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var customer models.Customer
	if err := db.Where("business_id = ? AND square_customer_id = ?", "biz-1", "CUST-1").Take(&customer).Error; err != nil {
		t.Fatalf("customer row missing: %v", err)
	}
	if !customer.IsStub {
		t.Fatal("customer gone upstream should be stored as a stub")
	}

	var appt models.Appointment
	if err := db.Where("square_booking_id = ?", "B1").Take(&appt).Error; err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if appt.CustomerId == nil || *appt.CustomerId != customer.ID {
		t.Fatalf("appointment must reference the stub row: %+v", appt.CustomerId)
	}
}

func TestUpsertSharedCustomerFetchedOnce(t *testing.T) {
	db := newTestDB(t)
	source := &mapSource{profiles: map[string]CustomerProfile{"CUST-1": {ID: "CUST-1"}}}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	for _, id := range []string{"B1", "B2", "B3"} {
		if err := upserter.Upsert(context.Background(), sampleBooking(t, id)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	if source.calls != 1 {
		t.Fatalf("customer should be fetched once, got %d calls", source.calls)
	}
	var count int64
	db.Model(&models.Customer{}).Where("business_id = ?", "biz-1").Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 customer row, got %d", count)
	}
}

func TestUpsertRejectsMalformed(t *testing.T) {
	db := newTestDB(t)
	upserter := NewUpserter(db, &mapSource{}, newTestLogger(), "biz-1")

	err := upserter.Upsert(context.Background(), Booking{Version: "1", StartAt: time.Now()})
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("missing id should be rejected, got %v", err)
	}

	err = upserter.Upsert(context.Background(), Booking{ID: "B1"})
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("zero start time should be rejected, got %v", err)
	}

	var count int64
	db.Model(&models.Appointment{}).Count(&count)
	if count != 0 {
		t.Fatalf("malformed records must not be stored, got %d rows", count)
	}
}

func TestUpsertUpgradesStubWhenProfileReappears(t *testing.T) {
	db := newTestDB(t)
	source := &mapSource{profiles: map[string]CustomerProfile{}}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	if err := upserter.Upsert(context.Background(), sampleBooking(t, "B1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// The customer shows up upstream again; the next sync touching it fills
	// in the stub.
	source.profiles["CUST-1"] = CustomerProfile{ID: "CUST-1", GivenName: "Amara", Email: "amara@example.com"}
	if err := upserter.Upsert(context.Background(), sampleBooking(t, "B2")); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	var customer models.Customer
	if err := db.Where("business_id = ? AND square_customer_id = ?", "biz-1", "CUST-1").Take(&customer).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if customer.IsStub {
		t.Fatal("stub should be upgraded once the profile exists")
	}
	if customer.GivenName != "Amara" || customer.Email != "amara@example.com" {
		t.Fatalf("profile fields not filled: %+v", customer)
	}
}

// racingSource simulates a concurrent sync creating the same customer between
// the existence check and the insert.
type racingSource struct {
	db    *gorm.DB
	calls int
}

func (s *racingSource) RetrieveCustomer(ctx context.Context, customerId string) (CustomerProfile, bool, error) {
	s.calls++
	row := models.Customer{
		BusinessId:       "biz-1",
		SquareCustomerId: customerId,
		GivenName:        "Winner",
	}
	if err := s.db.Create(&row).Error; err != nil {
		return CustomerProfile{}, false, err
	}
	return CustomerProfile{ID: customerId, GivenName: "Loser"}, true, nil
}

func TestEnsureCustomerDuplicateKeyRace(t *testing.T) {
	db := newTestDB(t)
	source := &racingSource{db: db}
	upserter := NewUpserter(db, source, newTestLogger(), "biz-1")

	id, err := upserter.ensureCustomer(context.Background(), db, "CUST-RACE")
	if err != nil {
		t.Fatalf("ensureCustomer must resolve the duplicate-key race, got %v", err)
	}

	var count int64
	db.Model(&models.Customer{}).Where("business_id = ?", "biz-1").Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 customer row, got %d", count)
	}

	var existing models.Customer
	if err := db.Where("business_id = ? AND square_customer_id = ?", "biz-1", "CUST-RACE").Take(&existing).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if existing.ID != id {
		t.Fatalf("returned id %d does not match surviving row %d", id, existing.ID)
	}
	if existing.GivenName != "Winner" {
		t.Fatalf("first writer's row must survive, got %q", existing.GivenName)
	}
}
