package models

import "time"

const (
	ConnectionStatusConnected    = "connected"
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncRunModeFull        = "full"
	SyncRunModeIncremental = "incremental"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// SquareConnection holds the per-business link to Square. One row per business.
type SquareConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"uniqueIndex;not null" json:"business_id"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AccessTokenRef    string     `gorm:"type:text" json:"access_token_ref"`
	MerchantId        string     `gorm:"size:100" json:"merchant_id"`
	LocationId        string     `gorm:"size:64" json:"location_id"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRun is the persisted record of one backfill invocation. Statistics and
// the cursor trail are captured as JSON when the run finishes.
type SyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	BusinessId      string     `gorm:"index;not null" json:"business_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	Mode            string     `gorm:"size:20" json:"mode"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	LocationId      string     `gorm:"size:64" json:"location_id"`
	WindowMin       *time.Time `json:"window_min"`
	WindowMax       *time.Time `json:"window_max"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	CursorTrailJSON []byte     `gorm:"type:json" json:"cursor_trail"`
	VerifyJSON      []byte     `gorm:"type:json" json:"verify"`
	RecordsFetched  int        `json:"records_fetched"`
	RecordsUpserted int        `json:"records_upserted"`
	ErrorCount      int        `json:"error_count"`
	RetryCount      int        `json:"retry_count"`
	PagesProcessed  int        `json:"pages_processed"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is one contained per-record failure inside a run, with the raw
// upstream payload kept for replay/debugging.
type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
