package auth

import (
	"errors"
	"fmt"
	"sort"

	"medshare/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Role       domain.Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

const (
	PermMedicationCreate = "medication.create"
	PermMedicationRead   = "medication.read"
	PermRequestCreate    = "request.create"
	PermRequestRead      = "request.read"
	PermRequestDecide    = "request.decide"
	PermShipmentShip     = "shipment.ship"
	PermShipmentDeliver  = "shipment.deliver"
	PermShipmentTrack    = "shipment.track"
	PermEventRead        = "event.read"
	PermAPIKeyManage     = "apikey.manage"
)

// DefaultRolePermissions is the role -> permission table. Ownership of the
// specific record is checked separately by the engine.
var DefaultRolePermissions = map[domain.Role][]string{
	domain.RoleDonor: {
		PermMedicationCreate, PermMedicationRead, PermRequestRead, PermRequestDecide,
		PermShipmentShip, PermShipmentDeliver, PermShipmentTrack,
	},
	domain.RoleNGO: {
		PermMedicationRead, PermRequestCreate, PermRequestRead, PermShipmentDeliver,
	},
	domain.RoleIndividual: {
		PermMedicationRead, PermRequestCreate, PermRequestRead, PermShipmentDeliver,
	},
	domain.RoleAdmin: {
		PermMedicationRead, PermRequestRead, PermShipmentShip, PermShipmentDeliver,
		PermShipmentTrack, PermEventRead, PermAPIKeyManage,
	},
}

// Service provides RBAC helpers over a static role table.
type Service struct {
	Roles map[domain.Role][]string
}

func (s Service) table() map[domain.Role][]string {
	if s.Roles != nil {
		return s.Roles
	}
	return DefaultRolePermissions
}

func (s Service) HasPermission(role domain.Role, perm string) bool {
	for _, p := range s.table()[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns a ForbiddenError unless c's role grants perm.
func (s Service) Require(c domain.Caller, perm string) error {
	if !s.HasPermission(c.Role, perm) {
		return ForbiddenError{Permission: perm, Role: c.Role}
	}
	return nil
}

// Permissions returns the sorted permissions of role.
func (s Service) Permissions(role domain.Role) []string {
	out := append([]string(nil), s.table()[role]...)
	sort.Strings(out)
	return out
}
