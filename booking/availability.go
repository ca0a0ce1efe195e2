/*
availability.go - Room availability over half-open date ranges

PURPOSE:
  Decides whether a room is free for [checkIn, checkOut). This is the
  booking counterpart of a day-uniqueness check: a room cannot be claimed
  twice for the same night.

INVARIANT:
  For any room, at most one non-terminal booking covers any given night.

OVERLAP RULES:
  [a, b) and [c, d) overlap when a < d and c < b.
  A missing check-out means "until explicitly closed": an open-ended
  booking overlaps every range ending after its start, and an open-ended
  request overlaps every booking ending after the requested start.
  A pending renewal widens its booking's claim to the renewal check-out.

ATOMICITY:
  Reads alone are advisory. Creation and renewal call CheckAvailabilityTx
  after LockRoom inside the same transaction that commits the claim, so
  two racing requests for overlapping dates cannot both pass.
*/
package booking

import (
	"context"
	"errors"

	"github.com/warp/kos-engine/core"
)

// FindConflict returns the first booking in active whose claim overlaps r.
// exclude skips the booking being extended.
func FindConflict(active []core.Booking, r core.DateRange, exclude core.BookingID) (core.Booking, bool) {
	for _, b := range active {
		if b.ID == exclude || b.Status.IsTerminal() {
			continue
		}
		if b.EffectiveRange().Overlaps(r) {
			return b, true
		}
	}
	return core.Booking{}, false
}

// CheckAvailabilityTx returns a RoomUnavailableError when r collides with an
// active booking of room.
func CheckAvailabilityTx(ctx context.Context, s core.BookingStore, room core.RoomID, r core.DateRange, exclude core.BookingID) error {
	active, err := s.ActiveBookingsForRoom(ctx, room)
	if err != nil {
		return err
	}
	if conflict, ok := FindConflict(active, r, exclude); ok {
		return &core.RoomUnavailableError{
			RoomID:               room,
			Requested:            r,
			ConflictingBookingID: conflict.ID,
			Conflicting:          conflict.EffectiveRange(),
		}
	}
	return nil
}

// IsAvailable reports whether room is free for [checkIn, checkOut).
// A nil checkOut asks for an open-ended lease.
func (s *Service) IsAvailable(ctx context.Context, room core.RoomID, checkIn core.Date, checkOut *core.Date) (bool, error) {
	err := s.CheckAvailability(ctx, room, core.DateRange{Start: checkIn, End: checkOut})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrRoomUnavailable):
		return false, nil
	default:
		return false, err
	}
}

// CheckAvailability is IsAvailable returning the conflict detail.
func (s *Service) CheckAvailability(ctx context.Context, room core.RoomID, r core.DateRange) error {
	if room == "" {
		return core.Invalid("room_id", "is required")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return CheckAvailabilityTx(ctx, s.store, room, r, "")
}
