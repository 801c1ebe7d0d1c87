package server

import (
	"time"

	"medshare/internal/domain"
)

// Request payloads

type CreateMedicationRequest struct {
	Name        string               `json:"name" minLength:"1"`
	Description string               `json:"description,omitempty"`
	Quantity    int                  `json:"quantity" minimum:"1"`
	Unit        string               `json:"unit" minLength:"1"`
	ExpiryDate  *time.Time           `json:"expiry_date,omitempty"`
	Storage     *domain.StorageRange `json:"storage,omitempty"`
}

type CreateRequestRequest struct {
	MedicationID string                 `json:"medication_id" minLength:"1"`
	Quantity     int                    `json:"quantity" minimum:"1"`
	Priority     string                 `json:"priority,omitempty" enum:"low,medium,high"`
	Reason       string                 `json:"reason"`
	Delivery     domain.DeliveryDetails `json:"delivery,omitempty"`
}

type ApproveRequest struct {
	Note                  string     `json:"note,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimated_delivery_date,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type TrackingRequest struct {
	Location         *string    `json:"location,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	CarrierReference *string    `json:"carrier_reference,omitempty"`
}

type ShipmentRequest struct {
	Note     string           `json:"note,omitempty"`
	Tracking *TrackingRequest `json:"tracking,omitempty"`
}

type DevLoginRequest struct {
	CallerID string      `json:"caller_id" minLength:"1"`
	Role     domain.Role `json:"role" enum:"donor,ngo,individual,admin"`
	Name     string      `json:"name,omitempty"`
}

// Response payloads

type MedicationResponse struct {
	ID          string               `json:"id"`
	DonorID     string               `json:"donor_id"`
	DonorName   string               `json:"donor_name,omitempty"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Quantity    int                  `json:"quantity"`
	Unit        string               `json:"unit"`
	Status      string               `json:"status" enum:"available,reserved,delivered"`
	ExpiryDate  *time.Time           `json:"expiry_date,omitempty"`
	Storage     *domain.StorageRange `json:"storage,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type RequestResponse struct {
	ID               string                   `json:"id"`
	MedicationID     string                   `json:"medication_id"`
	MedicationName   string                   `json:"medication_name"`
	Unit             string                   `json:"unit,omitempty"`
	RequesterID      string                   `json:"requester_id"`
	RequesterName    string                   `json:"requester_name,omitempty"`
	RequesterType    string                   `json:"requester_type" enum:"ngo,individual"`
	DonorID          string                   `json:"donor_id"`
	DonorName        string                   `json:"donor_name,omitempty"`
	Quantity         int                      `json:"quantity"`
	Priority         string                   `json:"priority" enum:"low,medium,high"`
	Reason           string                   `json:"reason"`
	Delivery         domain.DeliveryDetails   `json:"delivery"`
	Status           string                   `json:"status" enum:"pending,approved,rejected,in-transit,delivered"`
	StatusUpdates    []domain.StatusUpdate    `json:"status_updates"`
	ApprovalDetails  *domain.Approval         `json:"approval_details,omitempty"`
	RejectionDetails *domain.Rejection        `json:"rejection_details,omitempty"`
	Tracking         *domain.DeliveryTracking `json:"tracking,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

type EventResponse struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type WhoAmIResponse struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Name        string   `json:"name,omitempty"`
	Source      string   `json:"source"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type paginatedMedications struct {
	Items      []MedicationResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func medicationResponse(m domain.Medication) MedicationResponse {
	return MedicationResponse{
		ID:          m.ID,
		DonorID:     m.DonorID,
		DonorName:   m.DonorName,
		Name:        m.Name,
		Description: m.Description,
		Quantity:    m.Quantity,
		Unit:        m.Unit,
		Status:      string(m.Status),
		ExpiryDate:  m.ExpiryDate,
		Storage:     m.Storage,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:               r.ID,
		MedicationID:     r.MedicationID,
		MedicationName:   r.MedicationName,
		Unit:             r.Unit,
		RequesterID:      r.RequesterID,
		RequesterName:    r.RequesterName,
		RequesterType:    string(r.RequesterType),
		DonorID:          r.DonorID,
		DonorName:        r.DonorName,
		Quantity:         r.Quantity,
		Priority:         string(r.Priority),
		Reason:           r.Reason,
		Delivery:         r.Delivery,
		Status:           string(r.Status),
		StatusUpdates:    nonNilSlice(r.StatusUpdates),
		ApprovalDetails:  r.Approval(),
		RejectionDetails: r.Rejection(),
		Tracking:         r.Tracking,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		Seq:        e.Seq,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

func trackingUpdate(in *TrackingRequest) *domain.TrackingUpdate {
	if in == nil {
		return nil
	}
	return &domain.TrackingUpdate{
		Location:         in.Location,
		Temperature:      in.Temperature,
		EstimatedArrival: in.EstimatedArrival,
		CarrierReference: in.CarrierReference,
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
