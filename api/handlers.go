/*
handlers.go - HTTP API handlers for the visit engine

PURPOSE:
  Exposes the visit engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the domain packages.

ENDPOINTS:
  Holders & contacts:
    POST   /api/holders                          Create route holder
    POST   /api/contacts                         Create or update contact
    GET    /api/contacts/{id}                    Contact with schedule
    PUT    /api/contacts/{id}/schedule           Write recurring or one-time plan
    GET    /api/contacts/{id}/next-occurrence    Next date after ?after=

  Routes & waypoints:
    POST   /api/routes                           Create route with stops
    GET    /api/routes/{id}                      Route with waypoints
    GET    /api/routes/{id}/events               SSE stream (sse.go)
    GET    /api/waypoints/{id}                   Waypoint
    POST   /api/waypoints/{id}/transitions       Apply an action

  History:
    GET    /api/history?status=                  Reschedule ledger, newest first
    GET    /api/history/export                   CSV

  Billing:
    PUT    /api/billing/clients                  Upsert client
    GET    /api/billing/clients                  List clients
    GET    /api/billing/records                  Derived records (?from&to&client&status)
    GET    /api/billing/records/export           CSV
    GET    /api/billing/summary                  Per-client totals

  Admin:
    POST   /api/admin/jobs/{name}/run            Run a batch job now
    GET    /api/admin/jobs/runs                  Recent job runs

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found (including other owners' data)
  - 409: Illegal transition, duplicate; stale version with retryable=true
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/billing"
	"github.com/warp/visit-engine/events"
	"github.com/warp/visit-engine/factory"
	"github.com/warp/visit-engine/visit"
	"github.com/warp/visit-engine/waypoint"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// JobRunner runs a named batch job to completion.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (*visit.JobRun, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   visit.Store
	Machine *waypoint.Machine
	Ledger  *visit.DefaultLedger
	Deriver *billing.Deriver
	Plans   *factory.ScheduleFactory
	Clients *factory.ClientFactory
	Broker  events.EventBroker
	Jobs    JobRunner
	Logger  zerolog.Logger
	Now     func() time.Time
}

// NewHandler wires the domain services around one store and broker. jobs
// may be nil, in which case the admin job endpoint answers 404.
func NewHandler(store visit.Store, broker events.EventBroker, jobs JobRunner, billMissedDefault bool, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:   store,
		Machine: waypoint.NewMachine(store, broker, logger),
		Ledger:  visit.NewLedger(store),
		Deriver: billing.NewDeriver(store, logger),
		Plans:   factory.NewScheduleFactory(),
		Clients: factory.NewClientFactory(billMissedDefault),
		Broker:  broker,
		Jobs:    jobs,
		Logger:  logger.With().Str("component", "api").Logger(),
		Now:     time.Now,
	}
}

// =============================================================================
// HOLDERS & CONTACTS
// =============================================================================

func (h *Handler) CreateHolder(w http.ResponseWriter, r *http.Request) {
	var req HolderDTO
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.fail(w, r, &visit.ValidationError{Field: "name", Message: "required"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	holder := visit.RouteHolder{ID: visit.HolderID(req.ID), OwnerID: ownerFrom(r), Name: req.Name}
	if err := h.Store.SaveHolder(r.Context(), holder); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.fail(w, r, &visit.ValidationError{Field: "name", Message: "required"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	owner := ownerFrom(r)
	c := visit.Contact{
		ID:              visit.ContactID(req.ID),
		OwnerID:         owner,
		Name:            req.Name,
		Address:         req.Address,
		Labels:          req.Labels,
		StopType:        req.StopType,
		StopColor:       req.StopColor,
		DefaultHolderID: visit.HolderID(req.DefaultHolderID),
	}
	if err := h.Store.SaveContact(ctx, c); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.Store.GetContact(ctx, owner, c.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContactDTO(*saved))
}

func (h *Handler) GetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetContact(r.Context(), ownerFrom(r), visit.ContactID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContactDTO(*c))
}

// PutSchedule validates a plan and stores it in canonical form. A rejected
// plan never reaches storage. The occurrence counter is kept.
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	plan, err := h.Plans.ParsePlan(string(body))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	canonical, err := h.Plans.Marshal(plan)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx := r.Context()
	owner := ownerFrom(r)
	id := visit.ContactID(chi.URLParam(r, "id"))
	if err := h.Store.SaveSchedule(ctx, owner, id, canonical); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.Store.GetContact(ctx, owner, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContactDTO(*c))
}

// NextOccurrence answers computeNextOccurrence for the contact's stored plan.
func (h *Handler) NextOccurrence(w http.ResponseWriter, r *http.Request) {
	after := visit.DateOf(h.Now())
	if s := r.URL.Query().Get("after"); s != "" {
		d, err := visit.ParseDate(s)
		if err != nil {
			h.fail(w, r, &visit.ValidationError{Field: "after", Message: err.Error()})
			return
		}
		after = d
	}

	c, err := h.Store.GetContact(r.Context(), ownerFrom(r), visit.ContactID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if c.Schedule == nil {
		h.fail(w, r, &visit.ValidationError{Field: "schedule", Message: "contact has no schedule"})
		return
	}
	plan, err := h.Plans.FromRecord(*c.Schedule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	occ, err := plan.Next(after)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := NextOccurrenceDTO{After: after.String(), Ended: occ.Ended}
	if !occ.Ended {
		dto.Date = occ.Date.String()
		dto.HolderID = string(occ.HolderID)
		if dto.HolderID == "" {
			dto.HolderID = string(c.DefaultHolderID)
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ROUTES & WAYPOINTS
// =============================================================================

// CreateRoute creates the route envelope and its stops in one transaction.
// Contact stops copy the contact's name, address, type, color and labels.
func (h *Handler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req CreateRouteRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := visit.ParseDate(req.ScheduledDate)
	if err != nil {
		h.fail(w, r, &visit.ValidationError{Field: "scheduled_date", Message: err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Name == "" {
		req.Name = "Route " + date.String()
	}

	ctx := r.Context()
	owner := ownerFrom(r)
	route := visit.Route{
		ID:            visit.RouteID(req.ID),
		OwnerID:       owner,
		Name:          req.Name,
		ScheduledDate: date,
		HolderID:      visit.HolderID(req.HolderID),
	}

	err = h.Store.WithTx(ctx, func(tx visit.Tx) error {
		if err := tx.SaveRoute(ctx, route); err != nil {
			return err
		}
		for i, s := range req.Stops {
			var contact *visit.Contact
			if s.ContactID != "" {
				c, err := tx.GetContact(ctx, owner, visit.ContactID(s.ContactID))
				if err != nil {
					return err
				}
				contact = c
			}
			stop, distance, err := parseStop(s, contact)
			if err != nil {
				return err
			}
			err = tx.InsertWaypoint(ctx, visit.Waypoint{
				ID:              visit.WaypointID(uuid.New().String()),
				OwnerID:         owner,
				RouteID:         route.ID,
				Stop:            stop,
				Position:        i + 1,
				Status:          visit.StatusPending,
				DistanceMiles:   distance,
				DurationMinutes: s.DurationMinutes,
				CalendarEventID: s.CalendarEventID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto, err := h.routeDTO(ctx, owner, route.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) GetRoute(w http.ResponseWriter, r *http.Request) {
	dto, err := h.routeDTO(r.Context(), ownerFrom(r), visit.RouteID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) routeDTO(ctx context.Context, owner visit.OwnerID, id visit.RouteID) (*RouteDTO, error) {
	route, err := h.Store.GetRoute(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	waypoints, err := h.Store.ListWaypointsByRoute(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	dto := &RouteDTO{
		ID:            string(route.ID),
		Name:          route.Name,
		ScheduledDate: formatDate(route.ScheduledDate),
		HolderID:      string(route.HolderID),
		Waypoints:     make([]WaypointDTO, 0, len(waypoints)),
	}
	for _, wp := range waypoints {
		pending, err := h.hasPendingEntry(ctx, wp)
		if err != nil {
			return nil, err
		}
		dto.Waypoints = append(dto.Waypoints, toWaypointDTO(wp, pending))
	}
	return dto, nil
}

func (h *Handler) GetWaypoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wp, err := h.Store.GetWaypoint(ctx, ownerFrom(r), visit.WaypointID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pending, err := h.hasPendingEntry(ctx, *wp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWaypointDTO(*wp, pending))
}

// TransitionWaypoint applies one action. Illegal actions answer 409 and
// leave the waypoint untouched.
func (h *Handler) TransitionWaypoint(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !decode(w, r, &req) {
		return
	}
	p := waypoint.Payload{
		ExecutionNotes:  req.ExecutionNotes,
		MissedReason:    req.MissedReason,
		ExecutionOrder:  req.ExecutionOrder,
		ExpectedVersion: req.ExpectedVersion,
		Notes:           req.Notes,
	}
	if req.RescheduledDate != "" {
		d, err := visit.ParseDate(req.RescheduledDate)
		if err != nil {
			h.fail(w, r, &visit.ValidationError{Field: "rescheduled_date", Message: err.Error()})
			return
		}
		p.RescheduledDate = d
	}

	ctx := r.Context()
	res, err := h.Machine.Transition(ctx, ownerFrom(r), visit.WaypointID(chi.URLParam(r, "id")), waypoint.Action(req.Action), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	pending, err := h.hasPendingEntry(ctx, res.Waypoint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := TransitionResponse{
		Waypoint:             toWaypointDTO(res.Waypoint, pending),
		OccurrencesCompleted: res.Occurrences,
	}
	if res.Entry != nil {
		e := toEntryDTO(*res.Entry)
		resp.Entry = &e
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) hasPendingEntry(ctx context.Context, wp visit.Waypoint) (bool, error) {
	if wp.Status != visit.StatusPending && wp.Status != visit.StatusInProgress {
		return false, nil
	}
	_, err := h.Store.PendingEntry(ctx, wp.OwnerID, wp.ID)
	if visit.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// =============================================================================
// RESCHEDULE HISTORY
// =============================================================================

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.history(w, r)
	if !ok {
		return
	}
	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.history(w, r)
	if !ok {
		return
	}
	writeCSVHeaders(w, "reschedule-history.csv")
	if err := visit.ExportHistoryCSV(w, entries); err != nil {
		h.Logger.Error().Err(err).Msg("history export failed")
	}
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) ([]visit.RescheduleEntry, bool) {
	status := visit.EntryStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.fail(w, r, &visit.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)})
		return nil, false
	}
	entries, err := h.Ledger.History(r.Context(), ownerFrom(r), status)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return entries, true
}

// =============================================================================
// BILLING
// =============================================================================

func (h *Handler) PutBillingClient(w http.ResponseWriter, r *http.Request) {
	var req factory.BillingClientJSON
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Clients.FromJSON(ownerFrom(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Store.SaveBillingClient(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ClientToJSON(c))
}

func (h *Handler) ListBillingClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.ListBillingClients(r.Context(), ownerFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]factory.BillingClientJSON, 0, len(clients))
	for _, c := range clients {
		out = append(out, factory.ClientToJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetBillingRecords(w http.ResponseWriter, r *http.Request) {
	res, ok := h.derive(w, r)
	if !ok {
		return
	}
	resp := BillingRecordsResponse{
		Records:      make([]BillingRecordDTO, 0, len(res.Records)),
		Unattributed: res.Unattributed,
	}
	if resp.Unattributed == nil {
		resp.Unattributed = []billing.Unattributed{}
	}
	for _, rec := range res.Records {
		resp.Records = append(resp.Records, toRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ExportBillingRecords(w http.ResponseWriter, r *http.Request) {
	res, ok := h.derive(w, r)
	if !ok {
		return
	}
	writeCSVHeaders(w, "billing-records.csv")
	if err := billing.ExportRecordsCSV(w, res.Records); err != nil {
		h.Logger.Error().Err(err).Msg("billing export failed")
	}
}

func (h *Handler) GetBillingSummary(w http.ResponseWriter, r *http.Request) {
	res, ok := h.derive(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, BillingSummaryResponse{
		From:         q.Get("from"),
		To:           q.Get("to"),
		Clients:      billing.Summarize(res.Records),
		Unattributed: len(res.Unattributed),
	})
}

func (h *Handler) derive(w http.ResponseWriter, r *http.Request) (*billing.Result, bool) {
	f, err := billingFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	res, err := h.Deriver.Derive(r.Context(), ownerFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return res, true
}

func billingFilter(r *http.Request) (billing.Filter, error) {
	q := r.URL.Query()
	f := billing.Filter{
		ClientLabel: q.Get("client"),
		Status:      visit.BillingStatus(q.Get("status")),
	}
	for _, p := range []struct {
		name string
		dst  *visit.Date
	}{{"from", &f.Range.From}, {"to", &f.Range.To}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		d, err := visit.ParseDate(s)
		if err != nil {
			return f, &visit.ValidationError{Field: p.name, Message: err.Error()}
		}
		*p.dst = d
	}
	return f, nil
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.Jobs == nil {
		h.fail(w, r, &visit.NotFoundError{Kind: "job", ID: name})
		return
	}
	run, err := h.Jobs.RunNow(r.Context(), name)
	if err != nil && run == nil {
		h.fail(w, r, err)
		return
	}
	// A run that failed mid-walk still has a record worth returning.
	writeJSON(w, http.StatusOK, toJobRunDTO(*run))
}

func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListJobRuns(r.Context(), r.URL.Query().Get("job"), 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]JobRunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toJobRunDTO(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// fail maps a domain error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, visit.ErrConcurrentModification):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Waypoint was modified concurrently", Details: err.Error(), Retryable: true})
	case visit.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, visit.ErrValidation), errors.Is(err, visit.ErrOwnerRequired):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, visit.ErrConflict), errors.Is(err, visit.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("owner_id", string(ownerFrom(r))).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Details: err.Error(), Retryable: visit.IsRetryable(err)})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeCSVHeaders(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
}
