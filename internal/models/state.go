package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid tenant status transition")

var transitions = map[TenantStatus][]TenantStatus{
	TenantPending:      {TenantProvisioning},
	TenantProvisioning: {TenantActive, TenantFailed},
	TenantFailed:       {TenantProvisioning},
	TenantActive:       {TenantSuspended, TenantDeleted},
	TenantSuspended:    {TenantActive, TenantDeleted},
}

// deleteOnly lists states that may only reach DELETED through an explicit
// delete request, which removes whatever partial infrastructure exists.
var deleteOnly = map[TenantStatus]bool{
	TenantPending:      true,
	TenantProvisioning: true,
	TenantFailed:       true,
}

// CanTransition reports whether from -> to is a legal status change.
// deleteRequested widens the table for explicit teardown of unfinished tenants.
func CanTransition(from, to TenantStatus, deleteRequested bool) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return to == TenantDeleted && deleteRequested && deleteOnly[from]
}

// CheckTransition wraps CanTransition with a descriptive error.
func CheckTransition(from, to TenantStatus, deleteRequested bool) error {
	if !CanTransition(from, to, deleteRequested) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseTargetState validates a requested pipeline target.
func ParseTargetState(s string) (TenantStatus, error) {
	switch TenantStatus(s) {
	case TenantActive, TenantSuspended, TenantDeleted:
		return TenantStatus(s), nil
	}
	return "", fmt.Errorf("unsupported target state %q", s)
}
