package squaresync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Fetcher owns pagination against the Square Bookings API and the retry /
// backoff policy. One Fetcher serves one run; it appends every page
// transition to the run's cursor trail.
type Fetcher struct {
	client    *Client
	policy    RetryPolicy
	logger    *logrus.Logger
	trail     *CursorTrail
	pageLimit int
	sleep     func(time.Duration)
	page      int
}

func NewFetcher(client *Client, policy RetryPolicy, logger *logrus.Logger, trail *CursorTrail) *Fetcher {
	pageLimit := 100
	if v := strings.TrimSpace(os.Getenv("SQUARE_PAGE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageLimit = n
		}
	}
	return &Fetcher{
		client:    client,
		policy:    policy,
		logger:    logger,
		trail:     trail,
		pageLimit: pageLimit,
		sleep:     time.Sleep,
	}
}

// FetchPage fetches one page of bookings. Retryable upstream failures (429,
// 5xx) are retried with exponential backoff and never surface unless retries
// are exhausted. Fatal failures (auth, invalid location filter, exhausted
// retries) return an error. Every other upstream failure ends pagination
// early: the page comes back empty with a nil cursor and the soft errors
// attached, and no error is raised. Callers detect that truncation through
// the cursor trail.
func (f *Fetcher) FetchPage(ctx context.Context, cursor string, filter PageFilter) (Page, error) {
	f.page++
	if f.policy.MaxRetries < 1 {
		f.policy.MaxRetries = 1
	}
	retries := 0
	var lastErr *FetchError

	for attempt := 1; attempt <= f.policy.MaxRetries; attempt++ {
		body, err := f.client.listBookings(ctx, cursor, filter, f.pageLimit)
		if err == nil {
			page := f.parsePage(body, filter)
			page.Retries = retries
			f.trail.Append(CursorTrailEntry{
				Page:      f.page,
				CursorIn:  cursor,
				CursorOut: page.NextCursor,
				ItemCount: len(page.Items),
			})
			return page, nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) {
			return Page{Retries: retries}, err
		}

		if fe.Retryable() {
			lastErr = fe
			if attempt == f.policy.MaxRetries {
				break
			}
			retries++
			delay := f.policy.Delay(attempt)
			f.logger.WithFields(logrus.Fields{
				"module":  "squaresync",
				"page":    f.page,
				"attempt": attempt,
				"kind":    fe.Kind.String(),
				"delay":   delay.String(),
			}).Warn("retrying bookings page fetch")
			f.sleep(delay)
			continue
		}

		if fe.Fatal() {
			return Page{Retries: retries}, fe
		}

		// Soft failure: swallow, end pagination early. No trail entry is
		// written, so the trail's last cursor-out stays non-empty and the
		// verifier flags the run as truncated.
		f.logger.WithFields(logrus.Fields{
			"module": "squaresync",
			"page":   f.page,
			"status": fe.StatusCode,
			"code":   fe.Code,
		}).Warn("soft upstream error; terminating pagination early")
		return Page{
			SoftErrors: []SoftError{{Code: fe.Code, Detail: fe.Detail}},
			Retries:    retries,
		}, nil
	}

	return Page{Retries: retries}, &FetchError{
		Kind:       FetchKindExhaustedRetries,
		StatusCode: lastErr.StatusCode,
		Code:       lastErr.Code,
		Detail:     lastErr.Detail,
		Err:        lastErr,
	}
}

func (f *Fetcher) parsePage(body []byte, filter PageFilter) Page {
	resolver, err := newAliasResolver(body)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"module": "squaresync",
			"page":   f.page,
		}).Warn("unparseable bookings page body")
		return Page{SoftErrors: []SoftError{{Code: "INVALID_BODY", Detail: err.Error()}}}
	}

	page := Page{NextCursor: resolver.str("cursor", "next_cursor")}

	var softErrs []SoftError
	if raw := resolver.raw("errors"); raw != nil {
		_ = json.Unmarshal(raw, &softErrs)
	}
	page.SoftErrors = softErrs

	var items []json.RawMessage
	if raw := resolver.raw("bookings", "items"); raw != nil {
		_ = json.Unmarshal(raw, &items)
	}

	for _, raw := range items {
		booking := parseBooking(raw)
		// The upstream start-at filter is not fully trustworthy; enforce the
		// requested window again here.
		if !booking.StartAt.IsZero() {
			if !filter.StartAtMin.IsZero() && booking.StartAt.Before(filter.StartAtMin) {
				continue
			}
			if !filter.StartAtMax.IsZero() && booking.StartAt.After(filter.StartAtMax) {
				continue
			}
		}
		page.Items = append(page.Items, booking)
	}
	return page
}

// parseBooking never fails: a payload it cannot make sense of comes back with
// a zero ID and the raw bytes attached, and is rejected (and counted) by the
// upserter instead of silently dropped here.
func parseBooking(raw json.RawMessage) Booking {
	booking := Booking{Raw: raw}
	resolver, err := newAliasResolver(raw)
	if err != nil {
		return booking
	}

	booking.ID = resolver.str("id")
	booking.Version = resolver.number("version")
	booking.Status = resolver.str("status")
	booking.LocationId = resolver.str("location_id")
	booking.CustomerId = resolver.str("customer_id", "creator_details.customer_id")
	booking.CreatorType = resolver.str("creator_details.creator_type")
	booking.CreatorTeamMemberId = resolver.str("creator_details.team_member_id")
	booking.CustomerNote = resolver.str("customer_note")

	if t, ok := parseRFC3339(resolver.str("start_at", "start_time")); ok {
		booking.StartAt = t
	}
	if t, ok := parseRFC3339(resolver.str("created_at")); ok {
		booking.CreatedAt = &t
	}
	if t, ok := parseRFC3339(resolver.str("updated_at")); ok {
		booking.UpdatedAt = &t
	}

	var segments []json.RawMessage
	if rawSegs := resolver.raw("appointment_segments", "segments"); rawSegs != nil {
		_ = json.Unmarshal(rawSegs, &segments)
	}
	for _, rawSeg := range segments {
		segResolver, err := newAliasResolver(rawSeg)
		if err != nil {
			continue
		}
		duration, _ := strconv.Atoi(segResolver.number("duration_minutes"))
		booking.Segments = append(booking.Segments, BookingSegment{
			DurationMinutes:         duration,
			ServiceVariationId:      segResolver.str("service_variation_id"),
			ServiceVariationVersion: segResolver.number("service_variation_version"),
			TeamMemberId:            segResolver.str("team_member_id"),
		})
	}
	return booking
}

func parseRFC3339(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
