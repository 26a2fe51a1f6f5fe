package squaresync

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/referrals_backend/config"
	"github.com/mmdatafocus/referrals_backend/models"
	"github.com/mmdatafocus/referrals_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// processBackfillRun executes one queued SyncRun end to end: fetch, upsert,
// verify, persist the outcome. Idempotent against Pub/Sub redelivery (terminal
// runs are skipped) and serialized per business through a Redis lock so two
// deliveries never paginate the same account concurrently.
func processBackfillRun(ctx context.Context, payload BackfillPubSubPayload) error {
	if payload.RunId == 0 || payload.BusinessId == "" {
		return errors.New("invalid payload")
	}

	ctx = utils.SetBusinessIdInContext(ctx, payload.BusinessId)
	db := config.GetDB().WithContext(ctx)
	logger := config.GetLogger()

	var run models.SyncRun
	if err := db.Where("id = ? AND business_id = ?", payload.RunId, payload.BusinessId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	var conn models.SquareConnection
	if err := db.Where("id = ? AND business_id = ?", run.ConnectionId, payload.BusinessId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.ConnectionStatusConnected || conn.AccessTokenRef == "" {
		return finishRun(db, &run, models.SyncRunStatusFailed, RunStatistics{}, nil, nil, errors.New("square not connected"))
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "square-sync:"+payload.BusinessId, 15*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			// A 2xx would ack the delivery and strand the run in queued;
			// surface the contention so the push endpoint can nack it.
			return ErrRunLocked
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}
	run.StartedAt = startedAt

	client, err := NewClient(conn.AccessTokenRef)
	if err != nil {
		return finishRun(db, &run, models.SyncRunStatusFailed, RunStatistics{}, nil, nil, err)
	}

	locationId := run.LocationId
	if locationId == "" {
		locationId = conn.LocationId
	}

	trail := &CursorTrail{}
	fetcher := NewFetcher(client, DefaultRetryPolicy(), logger, trail)
	upserter := NewUpserter(db, client, logger, payload.BusinessId)
	orch := NewOrchestrator(fetcher, upserter, db, logger, payload.BusinessId)

	opts := RunOptions{
		Incremental: run.Mode == models.SyncRunModeIncremental,
		LocationId:  locationId,
		OnProgress: func(page int, fetched int, upserted int, cursor string) {
			logger.WithFields(logrus.Fields{
				"module":     "squaresync",
				"run_id":     run.ID,
				"page":       page,
				"fetched":    fetched,
				"upserted":   upserted,
				"more_pages": cursor != "",
			}).Info("backfill page processed")
		},
		OnItemError: func(booking Booking, itemErr error) {
			rec := models.SyncError{
				SyncRunId:   run.ID,
				BusinessId:  payload.BusinessId,
				EntityType:  "booking",
				ExternalId:  booking.ID,
				ErrorCode:   "upsert_failed",
				Message:     itemErr.Error(),
				PayloadJSON: booking.Raw,
				Retryable:   !errors.Is(itemErr, ErrMalformedRecord),
			}
			if errors.Is(itemErr, ErrMalformedRecord) {
				rec.ErrorCode = "malformed_record"
			}
			_ = db.Create(&rec).Error
		},
	}
	if run.WindowMin != nil {
		opts.WindowMin = *run.WindowMin
	}
	if run.WindowMax != nil {
		opts.WindowMax = *run.WindowMax
	}

	stats, runErr := orch.Run(ctx, opts)

	var report *VerificationReport
	if runErr == nil {
		verifier := NewVerifier(db, logger, payload.BusinessId)
		filter := PageFilter{LocationId: locationId, StartAtMin: opts.WindowMin, StartAtMax: opts.WindowMax}
		if rep, verr := verifier.Verify(ctx, stats, trail, filter); verr == nil {
			report = &rep
		} else {
			config.LogError(logger, "squaresync", "processBackfillRun", "verify", run.ID, verr)
		}
	}

	status := models.SyncRunStatusSuccess
	switch {
	case runErr != nil && stats.Upserted == 0:
		status = models.SyncRunStatusFailed
	case runErr != nil || stats.Errors > 0:
		status = models.SyncRunStatusPartial
	case report != nil && !report.Passed:
		status = models.SyncRunStatusPartial
	}

	if err := finishRun(db, &run, status, stats, trail, report, runErr); err != nil {
		return err
	}

	finishedAt := time.Now()
	connUpdates := map[string]interface{}{"last_sync_at": finishedAt}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.Model(&models.SquareConnection{}).
		Where("id = ? AND business_id = ?", conn.ID, payload.BusinessId).
		Updates(connUpdates).Error; err != nil {
		return err
	}
	invalidateConnectionCache(payload.BusinessId)

	return runErr
}

func finishRun(db *gorm.DB, run *models.SyncRun, status string, stats RunStatistics, trail *CursorTrail, report *VerificationReport, runErr error) error {
	finishedAt := time.Now()
	durationMs := int64(0)
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}

	updates := map[string]interface{}{
		"status":           status,
		"finished_at":      finishedAt,
		"duration_ms":      durationMs,
		"records_fetched":  stats.Fetched,
		"records_upserted": stats.Upserted,
		"error_count":      stats.Errors,
		"retry_count":      stats.Retries,
		"pages_processed":  stats.PagesProcessed,
		"stats_json":       stats.Encode(),
	}
	if trail != nil {
		updates["cursor_trail_json"] = trail.Encode()
	}
	if report != nil {
		updates["verify_json"] = report.Encode()
	}
	if err := db.Model(run).Updates(updates).Error; err != nil {
		return err
	}

	if runErr != nil {
		rec := models.SyncError{
			SyncRunId:  run.ID,
			BusinessId: run.BusinessId,
			EntityType: "run",
			ErrorCode:  "run_failed",
			Message:    runErr.Error(),
			Retryable:  true,
		}
		var fe *FetchError
		if errors.As(runErr, &fe) {
			rec.ErrorCode = fe.Kind.String()
			rec.Retryable = !fe.Fatal() || fe.Kind == FetchKindExhaustedRetries
		}
		_ = db.Create(&rec).Error
	}
	return nil
}
