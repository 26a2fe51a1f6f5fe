package squaresync

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Booking is one upstream booking after alias resolution. Version fields stay
// decimal strings; see versionGreater for the one place they are widened.
type Booking struct {
	ID                  string
	Version             string
	Status              string
	StartAt             time.Time
	LocationId          string
	CustomerId          string
	CreatorType         string
	CreatorTeamMemberId string
	CustomerNote        string
	CreatedAt           *time.Time
	UpdatedAt           *time.Time
	Segments            []BookingSegment
	Raw                 json.RawMessage
}

type BookingSegment struct {
	DurationMinutes         int
	ServiceVariationId      string
	ServiceVariationVersion string
	TeamMemberId            string
}

// CustomerProfile is the subset of a Square customer the engine persists.
type CustomerProfile struct {
	ID         string
	GivenName  string
	FamilyName string
	Email      string
	Phone      string
	Raw        json.RawMessage
}

// SoftError is an upstream-reported error returned alongside otherwise
// successful page data. It never raises; the verifier detects truncated runs
// through the cursor trail instead.
type SoftError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Field    string `json:"field"`
}

// Page is the result of one fetch, including the retries spent getting it.
type Page struct {
	Items      []Booking
	NextCursor string
	SoftErrors []SoftError
	Retries    int
}

// PageFilter narrows a listing. StartAtMin/StartAtMax are required by the
// orchestrator: the upstream silently defaults to future-only bookings when
// unfiltered, so an absent window is treated as a caller error upstream of
// here.
type PageFilter struct {
	LocationId string
	CustomerId string
	StartAtMin time.Time
	StartAtMax time.Time
}

// CursorTrailEntry records one page transition. CursorOut == "" marks the end
// of the listing; a trail whose last entry has a non-empty CursorOut means the
// run was truncated by a swallowed error.
type CursorTrailEntry struct {
	Page      int    `json:"page"`
	CursorIn  string `json:"cursor_in"`
	CursorOut string `json:"cursor_out"`
	ItemCount int    `json:"item_count"`
}

// CursorTrail is the append-only audit list for one run.
type CursorTrail struct {
	entries []CursorTrailEntry
}

func (t *CursorTrail) Append(e CursorTrailEntry) {
	t.entries = append(t.entries, e)
}

func (t *CursorTrail) Entries() []CursorTrailEntry {
	return t.entries
}

// Complete reports whether pagination reached the natural end of the listing.
func (t *CursorTrail) Complete() bool {
	if len(t.entries) == 0 {
		return false
	}
	return t.entries[len(t.entries)-1].CursorOut == ""
}

func (t *CursorTrail) Encode() []byte {
	b, _ := json.Marshal(t.entries)
	return b
}

func DecodeCursorTrail(raw []byte) *CursorTrail {
	trail := &CursorTrail{}
	if len(raw) == 0 {
		return trail
	}
	_ = json.Unmarshal(raw, &trail.entries)
	return trail
}

// PageStats is the per-page accumulator merged into RunStatistics at page
// boundaries, so nothing deep in the call tree mutates run-scoped state.
type PageStats struct {
	Fetched  int
	Upserted int
	Errors   int
	Retries  int
	Earliest *time.Time
	Latest   *time.Time
}

// RunStatistics summarizes one run (or, in the driver CLI, several chunked
// runs merged together). Earliest/Latest are the scheduled times observed from
// upstream, which the verifier compares against the store.
type RunStatistics struct {
	Fetched         int        `json:"fetched"`
	Upserted        int        `json:"upserted"`
	Errors          int        `json:"errors"`
	Retries         int        `json:"retries"`
	PagesProcessed  int        `json:"pages_processed"`
	EarliestStartAt *time.Time `json:"earliest_start_at"`
	LatestStartAt   *time.Time `json:"latest_start_at"`
}

func (s *RunStatistics) MergePage(p PageStats) {
	s.Fetched += p.Fetched
	s.Upserted += p.Upserted
	s.Errors += p.Errors
	s.Retries += p.Retries
	s.PagesProcessed++
	s.mergeWindow(p.Earliest, p.Latest)
}

// Merge folds another run's statistics in. Used by the driver CLI to
// accumulate across window chunks.
func (s *RunStatistics) Merge(other RunStatistics) {
	s.Fetched += other.Fetched
	s.Upserted += other.Upserted
	s.Errors += other.Errors
	s.Retries += other.Retries
	s.PagesProcessed += other.PagesProcessed
	s.mergeWindow(other.EarliestStartAt, other.LatestStartAt)
}

func (s *RunStatistics) mergeWindow(earliest, latest *time.Time) {
	if earliest != nil && (s.EarliestStartAt == nil || earliest.Before(*s.EarliestStartAt)) {
		t := *earliest
		s.EarliestStartAt = &t
	}
	if latest != nil && (s.LatestStartAt == nil || latest.After(*s.LatestStartAt)) {
		t := *latest
		s.LatestStartAt = &t
	}
}

func (s RunStatistics) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

// RetryPolicy drives the fetch backoff curve: InitialDelay doubled per
// attempt, capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay returns the backoff before retrying after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// versionGreater widens two decimal-string version counters for comparison.
// Empty strings compare as zero.
func versionGreater(a, b string) bool {
	da, err := decimal.NewFromString(a)
	if err != nil {
		da = decimal.Zero
	}
	db, err := decimal.NewFromString(b)
	if err != nil {
		db = decimal.Zero
	}
	return da.GreaterThan(db)
}

// --- HTTP surface types (sync service) ---

type ConnectRequest struct {
	AccessToken string `json:"accessToken"`
	MerchantId  string `json:"merchantId"`
	LocationId  string `json:"locationId"`
}

type TriggerBackfillRequest struct {
	Incremental bool   `json:"incremental"`
	WindowMin   string `json:"windowMin"`
	WindowMax   string `json:"windowMax"`
	LocationId  string `json:"locationId"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type ConnectionResponse struct {
	Status     string `json:"status"`
	MerchantId string `json:"merchantId"`
	LocationId string `json:"locationId"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID              uint    `json:"id"`
	Status          string  `json:"status"`
	Mode            string  `json:"mode"`
	StartedAt       *string `json:"startedAt"`
	FinishedAt      *string `json:"finishedAt"`
	DurationMs      int64   `json:"durationMs"`
	RecordsFetched  int     `json:"recordsFetched"`
	RecordsUpserted int     `json:"recordsUpserted"`
	ErrorCount      int     `json:"errorCount"`
	RetryCount      int     `json:"retryCount"`
	PagesProcessed  int     `json:"pagesProcessed"`
	TriggeredBy     string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// --- Pub/Sub plumbing ---

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type BackfillPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	BusinessId   string `json:"business_id"`
	ConnectionId uint   `json:"connection_id"`
}
