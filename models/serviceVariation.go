package models

import "time"

// ServiceVariation is a catalog reference row for appointment segments.
// Created as a stub on demand during sync; a catalog sync (outside this
// engine) may later fill in the details.
type ServiceVariation struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	BusinessId        string    `gorm:"uniqueIndex:idx_service_variations_square,priority:1;not null" json:"business_id"`
	SquareVariationId string    `gorm:"uniqueIndex:idx_service_variations_square,priority:2;size:64;not null" json:"square_variation_id"`
	Name              string    `gorm:"size:255" json:"name"`
	IsStub            bool      `gorm:"default:false" json:"is_stub"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
