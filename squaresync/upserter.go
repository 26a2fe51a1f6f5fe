package squaresync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/referrals_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustomerSource resolves a Square customer id to a full profile.
// found=false means the customer is gone upstream.
type CustomerSource interface {
	RetrieveCustomer(ctx context.Context, customerId string) (CustomerProfile, bool, error)
}

// Upserter persists one fetched booking and its segments idempotently. The
// customer-ensure step and the appointment write run in one transaction, so a
// concurrent reader never sees an appointment whose customer row is missing.
type Upserter struct {
	db         *gorm.DB
	customers  CustomerSource
	logger     *logrus.Logger
	businessId string
}

func NewUpserter(db *gorm.DB, customers CustomerSource, logger *logrus.Logger, businessId string) *Upserter {
	return &Upserter{
		db:         db,
		customers:  customers,
		logger:     logger,
		businessId: businessId,
	}
}

// appointmentMutableColumns are overwritten on re-upsert. created_at is not:
// the original creation timestamp survives every later sync.
var appointmentMutableColumns = []string{
	"version", "status", "customer_id", "square_customer_id", "location_id",
	"start_at", "end_at", "creator_type", "creator_team_member_id",
	"customer_note", "payload_json", "square_created_at", "square_updated_at",
	"updated_at",
}

func (u *Upserter) Upsert(ctx context.Context, booking Booking) error {
	if booking.ID == "" || booking.StartAt.IsZero() {
		return fmt.Errorf("%w: booking id=%q", ErrMalformedRecord, booking.ID)
	}

	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var customerId *uint
		if booking.CustomerId != "" {
			id, err := u.ensureCustomer(ctx, tx, booking.CustomerId)
			if err != nil {
				return err
			}
			customerId = &id
		}

		var existing models.Appointment
		err := tx.Select("id", "version").
			Where("business_id = ? AND square_booking_id = ?", u.businessId, booking.ID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && versionGreater(existing.Version, booking.Version) {
			// Cross-page ordering is upstream-defined; last applied payload
			// wins, but a downgrade is worth a trace.
			u.logger.WithFields(logrus.Fields{
				"module":     "squaresync",
				"booking_id": booking.ID,
				"stored":     existing.Version,
				"incoming":   booking.Version,
			}).Debug("overwriting booking with older version payload")
		}

		appt := models.Appointment{
			BusinessId:          u.businessId,
			SquareBookingId:     booking.ID,
			Version:             booking.Version,
			Status:              booking.Status,
			CustomerId:          customerId,
			SquareCustomerId:    booking.CustomerId,
			LocationId:          booking.LocationId,
			StartAt:             booking.StartAt,
			EndAt:               endFromSegments(booking),
			CreatorType:         booking.CreatorType,
			CreatorTeamMemberId: booking.CreatorTeamMemberId,
			CustomerNote:        booking.CustomerNote,
			PayloadJSON:         booking.Raw,
			SquareCreatedAt:     booking.CreatedAt,
			SquareUpdatedAt:     booking.UpdatedAt,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "business_id"}, {Name: "square_booking_id"}},
			DoUpdates: clause.AssignmentColumns(appointmentMutableColumns),
		}).Create(&appt).Error; err != nil {
			return err
		}

		// The conflict path does not report the surviving row's PK; look it
		// up by the upsert key before touching segments.
		var row models.Appointment
		if err := tx.Select("id").
			Where("business_id = ? AND square_booking_id = ?", u.businessId, booking.ID).
			Take(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("appointment_id = ?", row.ID).
			Delete(&models.AppointmentSegment{}).Error; err != nil {
			return err
		}
		if len(booking.Segments) == 0 {
			return nil
		}

		segments := make([]models.AppointmentSegment, 0, len(booking.Segments))
		for i, seg := range booking.Segments {
			u.ensureServiceVariation(ctx, tx, seg)
			segments = append(segments, models.AppointmentSegment{
				AppointmentId:           row.ID,
				BusinessId:              u.businessId,
				Ordinal:                 i,
				DurationMinutes:         seg.DurationMinutes,
				ServiceVariationId:      seg.ServiceVariationId,
				ServiceVariationVersion: seg.ServiceVariationVersion,
				TeamMemberId:            seg.TeamMemberId,
			})
		}
		return tx.Create(&segments).Error
	})
}

// ensureCustomer guarantees a customer row exists for the given Square id:
// either it already does, or a full profile is fetched and created, or a stub
// row is created when upstream no longer has the customer. A unique-violation
// from a concurrent identical creation is resolved by re-checking existence.
// After this returns nil-error the row exists; anything else fails loudly.
func (u *Upserter) ensureCustomer(ctx context.Context, tx *gorm.DB, squareCustomerId string) (uint, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var existing models.Customer
		err := tx.Where("business_id = ? AND square_customer_id = ?", u.businessId, squareCustomerId).
			Take(&existing).Error
		if err == nil {
			if existing.IsStub {
				u.upgradeStub(ctx, tx, &existing)
			}
			return existing.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}

		profile, found, err := u.customers.RetrieveCustomer(ctx, squareCustomerId)
		if err != nil {
			return 0, fmt.Errorf("ensure customer %s: %w", squareCustomerId, err)
		}

		row := models.Customer{
			BusinessId:       u.businessId,
			SquareCustomerId: squareCustomerId,
		}
		if found {
			row.GivenName = profile.GivenName
			row.FamilyName = profile.FamilyName
			row.Email = profile.Email
			row.Phone = profile.Phone
			row.PayloadJSON = profile.Raw
		} else {
			row.IsStub = true
		}

		createErr := tx.Create(&row).Error
		if createErr == nil {
			return row.ID, nil
		}
		if errors.Is(createErr, gorm.ErrDuplicatedKey) {
			continue
		}
		return 0, createErr
	}

	var existing models.Customer
	if err := tx.Where("business_id = ? AND square_customer_id = ?", u.businessId, squareCustomerId).
		Take(&existing).Error; err != nil {
		return 0, fmt.Errorf("customer %s missing after duplicate-key retry: %w", squareCustomerId, err)
	}
	return existing.ID, nil
}

// upgradeStub retries the profile fetch for a customer that was stubbed on an
// earlier sync. Best-effort: the stub stays a stub if upstream still has
// nothing.
func (u *Upserter) upgradeStub(ctx context.Context, tx *gorm.DB, row *models.Customer) {
	profile, found, err := u.customers.RetrieveCustomer(ctx, row.SquareCustomerId)
	if err != nil || !found {
		return
	}
	_ = tx.Model(row).Updates(map[string]interface{}{
		"given_name":   profile.GivenName,
		"family_name":  profile.FamilyName,
		"email":        profile.Email,
		"phone":        profile.Phone,
		"payload_json": []byte(profile.Raw),
		"is_stub":      false,
	}).Error
}

// ensureServiceVariation creates a stub catalog row for a segment's service
// variation. Best-effort: a failure is logged, never fatal to the upsert.
func (u *Upserter) ensureServiceVariation(ctx context.Context, tx *gorm.DB, seg BookingSegment) {
	if seg.ServiceVariationId == "" {
		return
	}
	var existing models.ServiceVariation
	err := tx.Where("business_id = ? AND square_variation_id = ?", u.businessId, seg.ServiceVariationId).
		Take(&existing).Error
	if err == nil {
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		logVariationEnsureFailure(u.logger, seg.ServiceVariationId, err)
		return
	}

	row := models.ServiceVariation{
		BusinessId:        u.businessId,
		SquareVariationId: seg.ServiceVariationId,
		IsStub:            true,
	}
	if createErr := tx.Create(&row).Error; createErr != nil && !errors.Is(createErr, gorm.ErrDuplicatedKey) {
		logVariationEnsureFailure(u.logger, seg.ServiceVariationId, createErr)
	}
}

func logVariationEnsureFailure(logger *logrus.Logger, variationId string, err error) {
	logger.WithFields(logrus.Fields{
		"module":       "squaresync",
		"funcName":     "ensureServiceVariation",
		"variation_id": variationId,
	}).Warn(err.Error())
}

func endFromSegments(booking Booking) *time.Time {
	total := 0
	for _, seg := range booking.Segments {
		total += seg.DurationMinutes
	}
	if total <= 0 {
		return nil
	}
	end := booking.StartAt.Add(time.Duration(total) * time.Minute)
	return &end
}
