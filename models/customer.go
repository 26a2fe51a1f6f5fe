package models

import "time"

// Customer is the minimal row an appointment's foreign key needs. IsStub marks
// rows created when Square no longer has the customer (deleted upstream); a
// later full profile fetch upgrades the stub in place.
type Customer struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	BusinessId       string    `gorm:"uniqueIndex:idx_customers_square,priority:1;not null" json:"business_id"`
	SquareCustomerId string    `gorm:"uniqueIndex:idx_customers_square,priority:2;size:64;not null" json:"square_customer_id"`
	GivenName        string    `gorm:"size:255" json:"given_name"`
	FamilyName       string    `gorm:"size:255" json:"family_name"`
	Email            string    `gorm:"size:255" json:"email"`
	Phone            string    `gorm:"size:50" json:"phone"`
	IsStub           bool      `gorm:"default:false" json:"is_stub"`
	PayloadJSON      []byte    `gorm:"type:json" json:"payload"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
