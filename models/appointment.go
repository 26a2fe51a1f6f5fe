package models

import "time"

const (
	AppointmentStatusPending         = "PENDING"
	AppointmentStatusAccepted        = "ACCEPTED"
	AppointmentStatusDeclined        = "DECLINED"
	AppointmentStatusCancelled       = "CANCELLED_BY_CUSTOMER"
	AppointmentStatusCancelledSeller = "CANCELLED_BY_SELLER"
	AppointmentStatusNoShow          = "NO_SHOW"
)

// Appointment mirrors one Square booking. Unique per (business, booking id);
// re-syncing the same booking updates the row in place.
//
// Version is Square's monotonically increasing booking version. It is carried
// as a decimal string everywhere (column, raw payload, API responses) and only
// widened where it is compared, because it cannot be trusted to round-trip
// through number-typed JSON.
type Appointment struct {
	ID                  uint      `gorm:"primary_key" json:"id"`
	BusinessId          string    `gorm:"uniqueIndex:idx_appointments_booking,priority:1;not null" json:"business_id"`
	SquareBookingId     string    `gorm:"uniqueIndex:idx_appointments_booking,priority:2;size:64;not null" json:"square_booking_id"`
	Version             string    `gorm:"size:32" json:"version"`
	Status              string    `gorm:"size:32" json:"status"`
	CustomerId          *uint     `gorm:"index" json:"customer_id"`
	SquareCustomerId    string    `gorm:"size:64" json:"square_customer_id"`
	LocationId          string    `gorm:"size:64;index" json:"location_id"`
	StartAt             time.Time `gorm:"index" json:"start_at"`
	EndAt               *time.Time `json:"end_at"`
	CreatorType         string    `gorm:"size:20" json:"creator_type"`
	CreatorTeamMemberId string    `gorm:"size:64" json:"creator_team_member_id"`
	CustomerNote        string    `gorm:"type:text" json:"customer_note"`
	PayloadJSON         []byte    `gorm:"type:json" json:"payload"`
	SquareCreatedAt     *time.Time `json:"square_created_at"`
	SquareUpdatedAt     *time.Time `gorm:"index" json:"square_updated_at"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Segments []AppointmentSegment `gorm:"foreignKey:AppointmentId" json:"segments"`
}

// AppointmentSegment is fully owned by its parent appointment. The set is
// replaced wholesale on every upsert.
type AppointmentSegment struct {
	ID                      uint      `gorm:"primary_key" json:"id"`
	AppointmentId           uint      `gorm:"index;not null" json:"appointment_id"`
	BusinessId              string    `gorm:"index;not null" json:"business_id"`
	Ordinal                 int       `json:"ordinal"`
	DurationMinutes         int       `json:"duration_minutes"`
	ServiceVariationId      string    `gorm:"size:64" json:"service_variation_id"`
	ServiceVariationVersion string    `gorm:"size:32" json:"service_variation_version"`
	TeamMemberId            string    `gorm:"size:64" json:"team_member_id"`
	CreatedAt               time.Time `gorm:"autoCreateTime" json:"created_at"`
}
