package squaresync

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/referrals_backend/config"
	"github.com/mmdatafocus/referrals_backend/models"
	"github.com/mmdatafocus/referrals_backend/utils"
	"gorm.io/gorm"
)

// maxWindowSpan is the widest start-at window Square accepts on a bookings
// listing. Wider ranges must be chunked by the caller (the backfill CLI does
// this automatically).
const maxWindowSpan = 31 * 24 * time.Hour

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.ConnectionStatusDisconnected},
			})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:     conn.Status,
				MerchantId: conn.MerchantId,
				LocationId: conn.LocationId,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.AccessToken) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "accessToken is required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		now := time.Now()
		if conn == nil {
			conn = &models.SquareConnection{
				BusinessId:     businessId,
				Status:         models.ConnectionStatusConnected,
				AccessTokenRef: req.AccessToken,
				MerchantId:     req.MerchantId,
				LocationId:     req.LocationId,
				UpdatedAt:      now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"status":           models.ConnectionStatusConnected,
				"access_token_ref": req.AccessToken,
				"merchant_id":      req.MerchantId,
				"location_id":      req.LocationId,
				"updated_at":       now,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		invalidateConnectionCache(businessId)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":           models.ConnectionStatusDisconnected,
			"access_token_ref": "",
			"updated_at":       time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		invalidateConnectionCache(businessId)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerBackfillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerBackfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		windowMin, windowMax, err := parseWindow(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := getConnection(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.ConnectionStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": ErrNotConnected.Error()})
			return
		}

		mode := models.SyncRunModeFull
		if req.Incremental {
			mode = models.SyncRunModeIncremental
		}
		locationId := strings.TrimSpace(req.LocationId)
		if locationId == "" {
			locationId = conn.LocationId
		}

		run := models.SyncRun{
			BusinessId:   businessId,
			ConnectionId: conn.ID,
			Status:       models.SyncRunStatusQueued,
			Mode:         mode,
			TriggeredBy:  models.SyncTriggeredManual,
			LocationId:   locationId,
			WindowMin:    windowMin,
			WindowMax:    windowMax,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishBackfillRun(c.Request.Context(), run.ID, businessId, conn.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var runs []models.SyncRun
		if err := db.Where("business_id = ?", businessId).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var run models.SyncRun
		if err := db.Where("id = ? AND business_id = ?", id, businessId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		var run models.SyncRun
		if err := db.Where("id = ? AND business_id = ?", id, businessId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.SyncRun{
			BusinessId:   businessId,
			ConnectionId: run.ConnectionId,
			Status:       models.SyncRunStatusQueued,
			Mode:         run.Mode,
			TriggeredBy:  models.SyncTriggeredRetry,
			LocationId:   run.LocationId,
			WindowMin:    run.WindowMin,
			WindowMax:    run.WindowMax,
			ParentRunId:  &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishBackfillRun(c.Request.Context(), newRun.ID, businessId, run.ConnectionId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// parseWindow validates the requested backfill window: RFC3339 bounds,
// windowMax always required, windowMin required for full runs, and the span
// capped at what Square accepts on a single listing.
func parseWindow(req TriggerBackfillRequest) (*time.Time, *time.Time, error) {
	var windowMin, windowMax *time.Time

	if strings.TrimSpace(req.WindowMax) == "" {
		return nil, nil, ErrWindowRequired
	}
	maxT, err := time.Parse(time.RFC3339, req.WindowMax)
	if err != nil {
		return nil, nil, errors.New("windowMax must be RFC3339")
	}
	windowMax = &maxT

	if strings.TrimSpace(req.WindowMin) != "" {
		minT, err := time.Parse(time.RFC3339, req.WindowMin)
		if err != nil {
			return nil, nil, errors.New("windowMin must be RFC3339")
		}
		windowMin = &minT
	} else if !req.Incremental {
		return nil, nil, ErrWindowRequired
	}

	if windowMin != nil {
		if !windowMin.Before(*windowMax) {
			return nil, nil, errors.New("windowMin must be before windowMax")
		}
		if windowMax.Sub(*windowMin) > maxWindowSpan {
			return nil, nil, errors.New("window span exceeds 31 days; chunk the range or use the backfill CLI")
		}
	}
	return windowMin, windowMax, nil
}

// resolveBusinessID authorizes the request. These endpoints sit behind the
// internal gateway: a shared token header plus an explicit business_id query
// param, no end-user session.
func resolveBusinessID(c *gin.Context) (string, error) {
	if expected := strings.TrimSpace(os.Getenv("INTERNAL_API_TOKEN")); expected != "" {
		if c.GetHeader("X-Internal-Token") != expected {
			return "", errors.New("unauthorized")
		}
	}
	businessId := strings.TrimSpace(c.Query("business_id"))
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func connectionCacheKey(businessId string) string {
	return "SquareConnection:" + businessId
}

func getConnection(db *gorm.DB, businessId string) (*models.SquareConnection, error) {
	var cached models.SquareConnection
	if found, err := config.GetRedisObject(connectionCacheKey(businessId), &cached); err == nil && found {
		return &cached, nil
	}

	var conn models.SquareConnection
	err := db.Where("business_id = ?", businessId).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_ = config.SetRedisObject(connectionCacheKey(businessId), conn, 5*time.Minute)
	return &conn, nil
}

func invalidateConnectionCache(businessId string) {
	_ = config.RemoveRedisKey(connectionCacheKey(businessId))
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:              run.ID,
		Status:          run.Status,
		Mode:            run.Mode,
		StartedAt:       formatTime(run.StartedAt),
		FinishedAt:      formatTime(run.FinishedAt),
		DurationMs:      run.DurationMs,
		RecordsFetched:  run.RecordsFetched,
		RecordsUpserted: run.RecordsUpserted,
		ErrorCount:      run.ErrorCount,
		RetryCount:      run.RetryCount,
		PagesProcessed:  run.PagesProcessed,
		TriggeredBy:     run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
