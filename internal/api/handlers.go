package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/events"
	"github.com/CrisisTextLine/timer-platform/internal/store"
	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// minLead is how far in the future execute_at must sit at admission; an
// instant at exactly now+minLead is rejected.
const minLead = 5 * time.Second

const defaultListLimit = 50

// validateCallback returns a human message for a callback the platform
// cannot accept, or "" when it is fine.
func (a *API) validateCallback(cb *timer.CallbackConfig) string {
	if cb.Type == timer.CallbackPub && !a.pubEnabled {
		return "pub/sub callbacks not available (NATS_HOST not configured)"
	}
	if err := cb.Validate(); err != nil {
		return err.Error()
	}
	return ""
}

func (a *API) createTimer(w http.ResponseWriter, r *http.Request) {
	var req createTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.validationError(w, "invalid request body: "+err.Error())
		return
	}

	if !req.ExecuteAt.After(time.Now().UTC().Add(minLead)) {
		a.validationError(w, "execute_at must be at least 5 seconds in the future")
		return
	}
	if msg := a.validateCallback(&req.Callback); msg != "" {
		a.validationError(w, msg)
		return
	}

	created, err := a.store.Create(r.Context(), store.CreateParams{
		ExecuteAt: req.ExecuteAt,
		Callback:  req.Callback,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.logger.Error("Failed to create timer", "error", err)
		a.storeError(w, err)
		return
	}

	a.bus.Emit(r.Context(), events.EventTypeTimerCreated, events.TimerData(created, ""))
	a.respond(w, http.StatusCreated, success(summarize(created)))
}

func (a *API) listTimers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.ListQuery{
		Limit: defaultListLimit,
		Sort:  store.SortCreatedAt,
		Order: store.OrderDesc,
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.validationError(w, "limit must be an integer")
			return
		}
		query.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.validationError(w, "offset must be an integer")
			return
		}
		query.Offset = n
	}
	if raw := q.Get("sort"); raw != "" {
		if raw != store.SortCreatedAt && raw != store.SortExecuteAt {
			a.validationError(w, "sort field must be 'created_at' or 'execute_at'")
			return
		}
		query.Sort = raw
	}
	if raw := q.Get("order"); raw != "" {
		if raw != store.OrderAsc && raw != store.OrderDesc {
			a.validationError(w, "order must be 'asc' or 'desc'")
			return
		}
		query.Order = raw
	}
	if raw := q.Get("status"); raw != "" {
		status, err := timer.ParseStatus(raw)
		if err != nil {
			a.validationError(w, "status must be one of: pending, executing, completed, failed, canceled")
			return
		}
		query.Status = &status
	}

	// Out-of-range limit and offset are clamped, not rejected.
	query = query.Normalize()

	rows, total, err := a.store.List(r.Context(), query)
	if err != nil {
		a.logger.Error("Failed to list timers", "error", err)
		a.storeError(w, err)
		return
	}

	resp := listTimersResponse{
		Timers: make([]timerSummary, 0, len(rows)),
		Total:  total,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	for _, row := range rows {
		resp.Timers = append(resp.Timers, summarize(row))
	}
	a.respond(w, http.StatusOK, success(resp))
}

func (a *API) getTimer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.notFound(w)
		return
	}

	row, err := a.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.notFound(w)
	case err != nil:
		a.logger.Error("Failed to get timer", "timer_id", id, "error", err)
		a.storeError(w, err)
	default:
		a.respond(w, http.StatusOK, success(detail(row)))
	}
}

func (a *API) updateTimer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.notFound(w)
		return
	}

	var req updateTimerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.validationError(w, "invalid request body: "+err.Error())
		return
	}

	existing, err := a.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		a.notFound(w)
		return
	}
	if err != nil {
		a.logger.Error("Failed to get timer", "timer_id", id, "error", err)
		a.storeError(w, err)
		return
	}

	// Only pending timers may be edited. An executing timer is already on
	// its way out; editing it would race the dispatch.
	if existing.Status != timer.StatusPending {
		a.validationError(w, fmt.Sprintf("cannot update timer with status '%s'", existing.Status))
		return
	}

	if req.ExecuteAt != nil && !req.ExecuteAt.After(time.Now().UTC().Add(minLead)) {
		a.validationError(w, "execute_at must be at least 5 seconds in the future")
		return
	}
	if req.Callback != nil {
		if msg := a.validateCallback(req.Callback); msg != "" {
			a.validationError(w, msg)
			return
		}
	}

	updated, err := a.store.Update(r.Context(), id, store.UpdateParams{
		ExecuteAt: req.ExecuteAt,
		Callback:  req.Callback,
		Metadata:  req.Metadata,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.notFound(w)
	case errors.Is(err, store.ErrTerminalState):
		// The row went terminal between the read and the write.
		a.validationError(w, err.Error())
	case err != nil:
		a.logger.Error("Failed to update timer", "timer_id", id, "error", err)
		a.storeError(w, err)
	default:
		a.bus.Emit(r.Context(), events.EventTypeTimerUpdated, events.TimerData(updated, ""))
		a.respond(w, http.StatusOK, success(summarize(updated)))
	}
}

func (a *API) cancelTimer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.notFound(w)
		return
	}

	existing, err := a.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		a.notFound(w)
		return
	}
	if err != nil {
		a.logger.Error("Failed to get timer", "timer_id", id, "error", err)
		a.storeError(w, err)
		return
	}

	// Canceling an executing timer is allowed; it cannot abort the
	// in-flight dispatch, but it blocks a re-fire after crash recovery.
	if existing.Status.Terminal() {
		a.validationError(w, fmt.Sprintf("cannot cancel timer with status '%s'", existing.Status))
		return
	}

	canceled, err := a.store.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.notFound(w)
	case errors.Is(err, store.ErrTerminalState):
		a.validationError(w, err.Error())
	case err != nil:
		a.logger.Error("Failed to cancel timer", "timer_id", id, "error", err)
		a.storeError(w, err)
	default:
		a.bus.Emit(r.Context(), events.EventTypeTimerCanceled, events.TimerData(canceled, ""))
		a.respond(w, http.StatusOK, success(cancelTimerResponse{
			ID:     canceled.ID,
			Status: canceled.Status.String(),
		}))
	}
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Error("Health check failed", "error", err)
		a.respond(w, http.StatusInternalServerError, Envelope{
			Code:    CodeInternal,
			Message: "database connection failed",
			Data:    healthData{Status: "degraded", Database: "disconnected", Timestamp: now},
		})
		return
	}
	a.respond(w, http.StatusOK, success(healthData{Status: "up", Database: "connected", Timestamp: now}))
}
