package ember

import (
	"github.com/emberops/ember/internal/catalog"
	"github.com/emberops/ember/internal/readiness"
	"github.com/emberops/ember/internal/reserve"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrEnvNotFound is returned when the configured catalog environment
	// does not exist in the remote catalog.
	ErrEnvNotFound = catalog.ErrEnvNotFound

	// ErrReservationExists is returned by Reserve when a reservation with
	// the requested name already exists.
	ErrReservationExists = reserve.ErrReservationExists

	// ErrReservationNotFound is returned by Release and Extend when no
	// reservation is bound to the named namespace.
	ErrReservationNotFound = reserve.ErrReservationNotFound

	// ErrReservationExpired is returned by Extend when the reservation has
	// already expired.
	ErrReservationExpired = reserve.ErrReservationExpired

	// ErrPoolNotFound is returned by Reserve when the requested pool does
	// not exist on the cluster.
	ErrPoolNotFound = reserve.ErrPoolNotFound

	// ErrPoolQuotaExceeded is returned by Reserve when the pool has no
	// capacity left for another reservation.
	ErrPoolQuotaExceeded = reserve.ErrPoolQuotaExceeded

	// ErrActiveReservation is returned by Reserve when the requester
	// already holds an active reservation and Force is not set.
	ErrActiveReservation = reserve.ErrActiveReservation

	// ErrReservationTimedOut is returned by Reserve when the operator does
	// not bind a namespace within the reserve timeout.
	ErrReservationTimedOut = reserve.ErrTimedOut

	// ErrReadinessTimedOut is wrapped by every readiness wait that runs
	// out of time budget before the namespace's resources converge.
	ErrReadinessTimedOut = readiness.ErrTimedOut
)
