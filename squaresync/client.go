package squaresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	token      string
	apiVersion string
	http       *http.Client
	limiter    <-chan time.Time
}

func NewClient(accessToken string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("SQUARE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://connect.squareup.com"
	}
	apiVersion := strings.TrimSpace(os.Getenv("SQUARE_API_VERSION"))
	if apiVersion == "" {
		apiVersion = "2024-06-04"
	}
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("square access token is empty")
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("SQUARE_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      accessToken,
		apiVersion: apiVersion,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
	}, nil
}

// get performs one attempt. Non-2xx responses come back as *FetchError; the
// retry loop lives in the Fetcher.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	<-c.limiter
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchKindUpstream, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Square-Version", c.apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: FetchKindUpstream, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, classifyStatus(resp.StatusCode, body)
	}
	return body, nil
}

func classifyStatus(status int, body []byte) *FetchError {
	apiErrs := parseAPIErrors(body)
	code, detail, field := "", "", ""
	if len(apiErrs) > 0 {
		code = apiErrs[0].Code
		detail = apiErrs[0].Detail
		field = apiErrs[0].Field
	}

	fe := &FetchError{StatusCode: status, Code: code, Detail: detail}
	switch {
	case status == http.StatusTooManyRequests || code == "RATE_LIMITED":
		fe.Kind = FetchKindRateLimited
	case status >= 500:
		fe.Kind = FetchKindServerError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		fe.Kind = FetchKindAuth
	case status == http.StatusBadRequest && strings.Contains(field, "location_id"):
		fe.Kind = FetchKindInvalidFilter
	default:
		fe.Kind = FetchKindUpstream
	}
	if fe.Detail == "" {
		fe.Detail = strings.TrimSpace(string(body))
	}
	return fe
}

func parseAPIErrors(body []byte) []SoftError {
	var parsed struct {
		Errors []SoftError `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	return parsed.Errors
}

func (c *Client) listBookings(ctx context.Context, cursor string, filter PageFilter, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if filter.LocationId != "" {
		params.Set("location_id", filter.LocationId)
	}
	if filter.CustomerId != "" {
		params.Set("customer_id", filter.CustomerId)
	}
	if !filter.StartAtMin.IsZero() {
		params.Set("start_at_min", filter.StartAtMin.UTC().Format(time.RFC3339))
	}
	if !filter.StartAtMax.IsZero() {
		params.Set("start_at_max", filter.StartAtMax.UTC().Format(time.RFC3339))
	}
	return c.get(ctx, "/v2/bookings", params)
}

// RetrieveCustomer fetches a full customer profile. found=false means Square
// no longer has the customer (deleted upstream); the caller stubs the row.
func (c *Client) RetrieveCustomer(ctx context.Context, customerId string) (CustomerProfile, bool, error) {
	body, err := c.get(ctx, "/v2/customers/"+url.PathEscape(customerId), nil)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && (fe.StatusCode == http.StatusNotFound || fe.Code == "NOT_FOUND") {
			return CustomerProfile{}, false, nil
		}
		return CustomerProfile{}, false, err
	}

	var parsed struct {
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return CustomerProfile{}, false, fmt.Errorf("decode customer %s: %w", customerId, err)
	}
	if len(parsed.Customer) == 0 {
		return CustomerProfile{}, false, nil
	}

	resolver, err := newAliasResolver(parsed.Customer)
	if err != nil {
		return CustomerProfile{}, false, fmt.Errorf("decode customer %s: %w", customerId, err)
	}
	profile := CustomerProfile{
		ID:         resolver.str("id"),
		GivenName:  resolver.str("given_name", "first_name"),
		FamilyName: resolver.str("family_name", "last_name"),
		Email:      resolver.str("email_address", "email"),
		Phone:      resolver.str("phone_number", "phone"),
		Raw:        parsed.Customer,
	}
	return profile, true, nil
}
