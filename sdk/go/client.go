package medsharesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal MedShare HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type StorageRange struct {
	MinC float64 `json:"min_c"`
	MaxC float64 `json:"max_c"`
}

type Medication struct {
	ID          string        `json:"id"`
	DonorID     string        `json:"donor_id"`
	DonorName   string        `json:"donor_name,omitempty"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Quantity    int           `json:"quantity"`
	Unit        string        `json:"unit"`
	Status      string        `json:"status"`
	ExpiryDate  *time.Time    `json:"expiry_date,omitempty"`
	Storage     *StorageRange `json:"storage,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Delivery struct {
	Address     string `json:"address,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type StatusUpdate struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	UpdatedBy string    `json:"updated_by"`
	Note      string    `json:"note,omitempty"`
}

type Approval struct {
	ApprovedBy            string     `json:"approved_by"`
	ApprovedAt            time.Time  `json:"approved_at"`
	Note                  string     `json:"note,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date,omitempty"`
}

type Rejection struct {
	RejectedBy string    `json:"rejected_by"`
	RejectedAt time.Time `json:"rejected_at"`
	Reason     string    `json:"reason"`
}

type Tracking struct {
	Location         string     `json:"location,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	TemperatureAlert bool       `json:"temperature_alert,omitempty"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	CarrierReference string     `json:"carrier_reference,omitempty"`
}

// Request is a medication request with its audit trail.
type Request struct {
	ID               string         `json:"id"`
	MedicationID     string         `json:"medication_id"`
	MedicationName   string         `json:"medication_name"`
	Unit             string         `json:"unit,omitempty"`
	RequesterID      string         `json:"requester_id"`
	RequesterName    string         `json:"requester_name,omitempty"`
	RequesterType    string         `json:"requester_type"`
	DonorID          string         `json:"donor_id"`
	DonorName        string         `json:"donor_name,omitempty"`
	Quantity         int            `json:"quantity"`
	Priority         string         `json:"priority"`
	Reason           string         `json:"reason"`
	Delivery         Delivery       `json:"delivery"`
	Status           string         `json:"status"`
	StatusUpdates    []StatusUpdate `json:"status_updates"`
	ApprovalDetails  *Approval      `json:"approval_details,omitempty"`
	RejectionDetails *Rejection     `json:"rejection_details,omitempty"`
	Tracking         *Tracking      `json:"tracking,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type CreateMedicationInput struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Quantity    int           `json:"quantity"`
	Unit        string        `json:"unit"`
	ExpiryDate  *time.Time    `json:"expiry_date,omitempty"`
	Storage     *StorageRange `json:"storage,omitempty"`
}

type CreateRequestInput struct {
	MedicationID string   `json:"medication_id"`
	Quantity     int      `json:"quantity"`
	Priority     string   `json:"priority,omitempty"`
	Reason       string   `json:"reason"`
	Delivery     Delivery `json:"delivery,omitempty"`
}

type TrackingInput struct {
	Location         *string    `json:"location,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	CarrierReference *string    `json:"carrier_reference,omitempty"`
}

// ListOptions narrows a listing. Zero values are omitted.
type ListOptions struct {
	Scope    string
	Status   string
	Priority string
	Search   string
	Limit    int
	Cursor   string
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("scope", o.Scope)
	set("status", o.Status)
	set("priority", o.Priority)
	set("q", o.Search)
	set("cursor", o.Cursor)
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the request lost a write race and may be sent
// again unchanged.
func (e *APIError) Retryable() bool {
	retry, _ := e.Details["retryable"].(bool)
	return retry
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateMedication(ctx context.Context, in CreateMedicationInput) (Medication, error) {
	var resp Medication
	err := c.do(ctx, http.MethodPost, "medications", in, &resp)
	return resp, err
}

func (c *Client) ListMedications(ctx context.Context, opts ListOptions) (Page[Medication], error) {
	var resp Page[Medication]
	err := c.do(ctx, http.MethodGet, withQuery("medications", opts.query()), nil, &resp)
	return resp, err
}

func (c *Client) GetMedication(ctx context.Context, id string) (Medication, error) {
	var resp Medication
	err := c.do(ctx, http.MethodGet, "medications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", in, &resp)
	return resp, err
}

func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (Page[Request], error) {
	var resp Page[Request]
	err := c.do(ctx, http.MethodGet, withQuery("requests", opts.query()), nil, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve approves a pending request. estimated may be nil.
func (c *Client) Approve(ctx context.Context, id, note string, estimated *time.Time) (Request, error) {
	body := map[string]any{"note": note}
	if estimated != nil {
		body["estimated_delivery_date"] = estimated
	}
	return c.requestAction(ctx, id, "approve", body)
}

func (c *Client) Reject(ctx context.Context, id, reason string) (Request, error) {
	return c.requestAction(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) Ship(ctx context.Context, id, note string, tracking *TrackingInput) (Request, error) {
	body := map[string]any{"note": note}
	if tracking != nil {
		body["tracking"] = tracking
	}
	return c.requestAction(ctx, id, "ship", body)
}

func (c *Client) Deliver(ctx context.Context, id, note string) (Request, error) {
	return c.requestAction(ctx, id, "deliver", map[string]any{"note": note})
}

func (c *Client) RecordTelemetry(ctx context.Context, id string, tracking TrackingInput) (Request, error) {
	return c.requestAction(ctx, id, "telemetry", tracking)
}

func (c *Client) requestAction(ctx context.Context, id, action string, body any) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (Page[Event], error) {
	var resp Page[Event]
	err := c.do(ctx, http.MethodGet, withQuery("events", ListOptions{Limit: limit, Cursor: cursor}.query()), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
