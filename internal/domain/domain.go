package domain

import "time"

const (
	CollectionMedications = "medications"
	CollectionRequests    = "requests"
	CollectionEvents      = "events"
	CollectionAPIKeys     = "api_keys"
	CollectionCounters    = "counters"
)

type Role string

const (
	RoleDonor      Role = "donor"
	RoleNGO        Role = "ngo"
	RoleIndividual Role = "individual"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDonor, RoleNGO, RoleIndividual, RoleAdmin:
		return true
	}
	return false
}

// Caller is a verified identity. Only the identity provider produces one;
// Source names the verifier that did.
type Caller struct {
	ID     string `json:"id"`
	Role   Role   `json:"role" enum:"donor,ngo,individual,admin"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

type MedicationStatus string

const (
	MedicationAvailable MedicationStatus = "available"
	MedicationReserved  MedicationStatus = "reserved"
	// MedicationDelivered is part of the stored vocabulary and accepted as a
	// list filter, but no transition sets it yet. A reserved listing stays
	// reserved after its requests are delivered.
	MedicationDelivered MedicationStatus = "delivered"
)

func (s MedicationStatus) Valid() bool {
	switch s {
	case MedicationAvailable, MedicationReserved, MedicationDelivered:
		return true
	}
	return false
}

// StorageRange is the acceptable temperature band, in Celsius.
type StorageRange struct {
	MinC float64 `json:"min_c"`
	MaxC float64 `json:"max_c"`
}

func (r *StorageRange) Contains(c float64) bool {
	if r == nil {
		return true
	}
	return c >= r.MinC && c <= r.MaxC
}

// Medication is a donated inventory record. Quantity and Status change only
// through approval of a request against it.
type Medication struct {
	ID          string           `json:"id"`
	DonorID     string           `json:"donor_id"`
	DonorName   string           `json:"donor_name,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Quantity    int              `json:"quantity"`
	Unit        string           `json:"unit"`
	Status      MedicationStatus `json:"status" enum:"available,reserved,delivered"`
	ExpiryDate  *time.Time       `json:"expiry_date,omitempty"`
	Storage     *StorageRange    `json:"storage,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type RequesterType string

const (
	RequesterNGO        RequesterType = "ngo"
	RequesterIndividual RequesterType = "individual"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

type DeliveryDetails struct {
	Address     string `json:"address,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type DeliveryTracking struct {
	Location         string     `json:"location,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	TemperatureAlert bool       `json:"temperature_alert,omitempty"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	CarrierReference string     `json:"carrier_reference,omitempty"`
}

// TrackingUpdate carries the fields a handler wants to change; nil means
// keep the current value.
type TrackingUpdate struct {
	Location         *string
	Temperature      *float64
	EstimatedArrival *time.Time
	CarrierReference *string
}

func (u *TrackingUpdate) Empty() bool {
	return u == nil || (u.Location == nil && u.Temperature == nil && u.EstimatedArrival == nil && u.CarrierReference == nil)
}

// Merge applies u onto t and stamps LastUpdated.
func (t *DeliveryTracking) Merge(u *TrackingUpdate, at time.Time, storage *StorageRange) {
	if u != nil {
		if u.Location != nil {
			t.Location = *u.Location
		}
		if u.Temperature != nil {
			v := *u.Temperature
			t.Temperature = &v
			if !storage.Contains(v) {
				t.TemperatureAlert = true
			}
		}
		if u.EstimatedArrival != nil {
			v := *u.EstimatedArrival
			t.EstimatedArrival = &v
		}
		if u.CarrierReference != nil {
			t.CarrierReference = *u.CarrierReference
		}
	}
	ts := at
	t.LastUpdated = &ts
}

// Event is one entry of the append-only domain event log.
// Event is one entry of the append-only log. Seq and CreatedAt both
// increase strictly in commit order.
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

type APIKey struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"caller_id"`
	Role      Role       `json:"role"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
