package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/warp/kos-engine/core"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Kind      string            `json:"kind"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrStateConflict),
		errors.Is(err, core.ErrRoomUnavailable),
		errors.Is(err, core.ErrConcurrentModification),
		errors.Is(err, core.ErrDuplicateIdempotencyKey):
		return http.StatusConflict
	case errors.Is(err, core.ErrPaymentPending), errors.Is(err, core.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, core.ErrInsufficientBalance), errors.Is(err, core.ErrAccountArchived):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// details extracts the correction detail carried by structured errors.
func details(err error) map[string]string {
	var (
		verr     *core.ValidationError
		conflict *core.StateConflictError
		room     *core.RoomUnavailableError
		pending  *core.PaymentPendingError
		failed   *core.PaymentFailedError
		balance  *core.InsufficientBalanceError
		archived *core.AccountArchivedError
		notFound *core.NotFoundError
		fields   validator.ValidationErrors
	)
	switch {
	case errors.As(err, &fields):
		d := make(map[string]string, len(fields))
		for _, f := range fields {
			d[f.Field()] = fmt.Sprintf("failed on '%s' tag", f.Tag())
		}
		return d
	case errors.As(err, &verr):
		return map[string]string{"field": verr.Field, "message": verr.Message}
	case errors.As(err, &conflict):
		return map[string]string{"entity": conflict.Entity, "id": conflict.ID, "current": conflict.Current, "action": conflict.Action}
	case errors.As(err, &room):
		return map[string]string{
			"room_id":                string(room.RoomID),
			"requested":              room.Requested.String(),
			"conflicting_booking_id": string(room.ConflictingBookingID),
			"conflicting":            room.Conflicting.String(),
		}
	case errors.As(err, &pending):
		return map[string]string{"booking_id": string(pending.BookingID), "outstanding": pending.Outstanding.String()}
	case errors.As(err, &failed):
		return map[string]string{"booking_id": string(failed.BookingID), "payment_id": string(failed.PaymentID), "status": string(failed.Status)}
	case errors.As(err, &balance):
		return map[string]string{
			"account_id": string(balance.AccountID),
			"available":  balance.Available.String(),
			"requested":  balance.Requested.String(),
			"shortfall":  balance.Shortfall.String(),
		}
	case errors.As(err, &archived):
		return map[string]string{"account_id": string(archived.AccountID)}
	case errors.As(err, &notFound):
		return map[string]string{"entity": notFound.Entity, "id": notFound.ID}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError renders err. Internal errors are not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := core.Kind(err)
	msg := err.Error()
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		kind = "ValidationError"
		status = http.StatusBadRequest
		msg = "request validation failed"
	}
	if status == http.StatusConflict && kind == "internal" {
		kind = "StateConflict"
	}
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Kind:      kind,
		Details:   details(err),
		RequestID: middleware.GetReqID(r.Context()),
	})
}
