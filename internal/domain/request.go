package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusInTransit RequestStatus = "in-transit"
	StatusDelivered RequestStatus = "delivered"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusInTransit, StatusDelivered:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDelivered
}

type StatusUpdate struct {
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	UpdatedBy string        `json:"updated_by"`
	Note      string        `json:"note,omitempty"`
}

// Resolution is the outcome of a decision: Approval or Rejection. A request
// carries at most one.
type Resolution interface {
	resolution()
	Status() RequestStatus
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

func (Approval) resolution()  {}
func (Rejection) resolution() {}

func (Approval) Status() RequestStatus  { return StatusApproved }
func (Rejection) Status() RequestStatus { return StatusRejected }

type Request struct {
	ID             string            `json:"id"`
	MedicationID   string            `json:"medication_id"`
	MedicationName string            `json:"medication_name"`
	Unit           string            `json:"unit,omitempty"`
	RequesterID    string            `json:"requester_id"`
	RequesterName  string            `json:"requester_name,omitempty"`
	RequesterType  RequesterType     `json:"requester_type"`
	DonorID        string            `json:"donor_id"`
	DonorName      string            `json:"donor_name,omitempty"`
	Quantity       int               `json:"quantity"`
	Priority       Priority          `json:"priority"`
	Reason         string            `json:"reason"`
	Delivery       DeliveryDetails   `json:"delivery"`
	Status         RequestStatus     `json:"status"`
	StatusUpdates  []StatusUpdate    `json:"status_updates"`
	Resolution     Resolution        `json:"-"`
	Tracking       *DeliveryTracking `json:"tracking,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Approval returns the approval details, if the request was approved.
func (r Request) Approval() *Approval {
	if a, ok := r.Resolution.(Approval); ok {
		return &a
	}
	return nil
}

// Rejection returns the rejection details, if the request was rejected.
func (r Request) Rejection() *Rejection {
	if rj, ok := r.Resolution.(Rejection); ok {
		return &rj
	}
	return nil
}

// Record moves the request to status and appends the matching audit entry.
// Callers check the transition first.
func (r *Request) Record(status RequestStatus, by, note string, at time.Time) {
	r.Status = status
	r.StatusUpdates = append(r.StatusUpdates, StatusUpdate{Status: status, Timestamp: at, UpdatedBy: by, Note: note})
	r.UpdatedAt = at
}

type requestAlias Request

type requestJSON struct {
	requestAlias
	ApprovalDetails  *Approval  `json:"approval_details,omitempty"`
	RejectionDetails *Rejection `json:"rejection_details,omitempty"`
}

var ErrBothResolutions = errors.New("request has both approval and rejection details")

func (r Request) MarshalJSON() ([]byte, error) {
	out := requestJSON{requestAlias: requestAlias(r)}
	out.ApprovalDetails = r.Approval()
	out.RejectionDetails = r.Rejection()
	return json.Marshal(out)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var in requestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Request(in.requestAlias)
	switch {
	case in.ApprovalDetails != nil && in.RejectionDetails != nil:
		return ErrBothResolutions
	case in.ApprovalDetails != nil:
		r.Resolution = *in.ApprovalDetails
	case in.RejectionDetails != nil:
		r.Resolution = *in.RejectionDetails
	}
	return nil
}
