/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  Dates are YYYY-MM-DD, timestamps RFC3339, amounts integer cents plus a
  formatted dollar string.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: PlanJSON, the schedule body
  - factory/billing.go: BillingClientJSON, the billing client body
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/visit-engine/billing"
	"github.com/warp/visit-engine/visit"
	"github.com/warp/visit-engine/waypoint"
)

// =============================================================================
// HOLDERS & CONTACTS
// =============================================================================

type HolderDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ContactDTO struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Address         string       `json:"address"`
	Labels          []string     `json:"labels"`
	StopType        string       `json:"stop_type,omitempty"`
	StopColor       string       `json:"stop_color,omitempty"`
	DefaultHolderID string       `json:"default_holder_id,omitempty"`
	Schedule        *ScheduleDTO `json:"schedule,omitempty"`
	CreatedAt       string       `json:"created_at,omitempty"`
}

// ScheduleDTO is the stored plan plus its counter.
type ScheduleDTO struct {
	Config               json.RawMessage `json:"config"`
	OccurrencesCompleted int             `json:"occurrences_completed"`
	LastScheduledDate    string          `json:"last_scheduled_date,omitempty"`
}

type CreateContactRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	Labels          []string `json:"labels"`
	StopType        string   `json:"stop_type"`
	StopColor       string   `json:"stop_color"`
	DefaultHolderID string   `json:"default_holder_id"`
}

// NextOccurrenceDTO answers computeNextOccurrence. Ended is true when the
// plan produces no further dates.
type NextOccurrenceDTO struct {
	After    string `json:"after"`
	Date     string `json:"date,omitempty"`
	HolderID string `json:"holder_id,omitempty"`
	Ended    bool   `json:"ended"`
}

// =============================================================================
// ROUTES & WAYPOINTS
// =============================================================================

type RouteDTO struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ScheduledDate string        `json:"scheduled_date,omitempty"`
	HolderID      string        `json:"holder_id,omitempty"`
	Waypoints     []WaypointDTO `json:"waypoints"`
}

type CreateRouteRequest struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ScheduledDate string        `json:"scheduled_date"`
	HolderID      string        `json:"holder_id"`
	Stops         []StopRequest `json:"stops"`
}

// StopRequest is either a contact visit (ContactID set) or a time gap.
type StopRequest struct {
	ContactID       string  `json:"contact_id,omitempty"`
	GapLabel        string  `json:"gap_label,omitempty"`
	GapMinutes      int     `json:"gap_minutes,omitempty"`
	DistanceMiles   *string `json:"distance_miles,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
	CalendarEventID string  `json:"calendar_event_id,omitempty"`
}

type StopDTO struct {
	Kind       string   `json:"kind"`
	ContactID  string   `json:"contact_id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Address    string   `json:"address,omitempty"`
	StopType   string   `json:"stop_type,omitempty"`
	StopColor  string   `json:"stop_color,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	GapLabel   string   `json:"gap_label,omitempty"`
	GapMinutes int      `json:"gap_minutes,omitempty"`
}

type WaypointDTO struct {
	ID               string   `json:"id"`
	RouteID          string   `json:"route_id"`
	Position         int      `json:"position"`
	Stop             StopDTO  `json:"stop"`
	Status           string   `json:"status"`
	ExecutionOrder   *int     `json:"execution_order,omitempty"`
	NeedsReschedule  bool     `json:"needs_reschedule"`
	MissedReason     string   `json:"missed_reason,omitempty"`
	ExecutionNotes   string   `json:"execution_notes,omitempty"`
	RescheduledDate  string   `json:"rescheduled_date,omitempty"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	DistanceMiles    *string  `json:"distance_miles,omitempty"`
	DurationMinutes  int      `json:"duration_minutes,omitempty"`
	CalendarEventID  string   `json:"calendar_event_id,omitempty"`
	Version          int      `json:"version"`
	AvailableActions []string `json:"available_actions"`
}

// TransitionRequest is the body of POST /api/waypoints/{id}/transitions.
type TransitionRequest struct {
	Action          string `json:"action"`
	ExecutionNotes  string `json:"execution_notes,omitempty"`
	MissedReason    string `json:"missed_reason,omitempty"`
	RescheduledDate string `json:"rescheduled_date,omitempty"`
	ExecutionOrder  *int   `json:"execution_order,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type TransitionResponse struct {
	Waypoint             WaypointDTO      `json:"waypoint"`
	Entry                *HistoryEntryDTO `json:"entry,omitempty"`
	OccurrencesCompleted *int             `json:"occurrences_completed,omitempty"`
}

// =============================================================================
// RESCHEDULE HISTORY
// =============================================================================

type HistoryEntryDTO struct {
	ID              string `json:"id"`
	WaypointID      string `json:"waypoint_id"`
	RouteID         string `json:"route_id"`
	RouteName       string `json:"route_name"`
	ContactName     string `json:"contact_name"`
	Address         string `json:"address"`
	OriginalDate    string `json:"original_date,omitempty"`
	RescheduledDate string `json:"rescheduled_date"`
	MissedReason    string `json:"missed_reason,omitempty"`
	Status          string `json:"status"`
	CompletedAt     string `json:"completed_at,omitempty"`
	Notes           string `json:"notes,omitempty"`
	Sequence        int    `json:"sequence"`
	CreatedAt       string `json:"created_at"`
}

// =============================================================================
// BILLING
// =============================================================================

type BillingRecordDTO struct {
	SourceKey       string   `json:"source_key"`
	WaypointID      string   `json:"waypoint_id"`
	ClientLabel     string   `json:"client_label"`
	ContactName     string   `json:"contact_name"`
	VisitType       string   `json:"visit_type"`
	VisitDate       string   `json:"visit_date"`
	RouteHolderName string   `json:"route_holder_name,omitempty"`
	Status          string   `json:"status"`
	AmountCents     int64    `json:"amount_cents"`
	Amount          string   `json:"amount"`
	Warnings        []string `json:"warnings,omitempty"`
}

type BillingRecordsResponse struct {
	Records      []BillingRecordDTO     `json:"records"`
	Unattributed []billing.Unattributed `json:"unattributed"`
}

type BillingSummaryResponse struct {
	From         string                  `json:"from,omitempty"`
	To           string                  `json:"to,omitempty"`
	Clients      []billing.ClientSummary `json:"clients"`
	Unattributed int                     `json:"unattributed"`
}

// =============================================================================
// JOBS & ERRORS
// =============================================================================

type JobRunDTO struct {
	ID         string             `json:"id"`
	Job        string             `json:"job"`
	Status     string             `json:"status"`
	StartedAt  string             `json:"started_at"`
	FinishedAt string             `json:"finished_at,omitempty"`
	Processed  int                `json:"processed"`
	Failures   []visit.JobFailure `json:"failures"`
	Error      string             `json:"error,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toContactDTO(c visit.Contact) ContactDTO {
	dto := ContactDTO{
		ID:              string(c.ID),
		Name:            c.Name,
		Address:         c.Address,
		Labels:          c.Labels,
		StopType:        c.StopType,
		StopColor:       c.StopColor,
		DefaultHolderID: string(c.DefaultHolderID),
		CreatedAt:       formatTime(c.CreatedAt),
	}
	if dto.Labels == nil {
		dto.Labels = []string{}
	}
	if c.Schedule != nil {
		dto.Schedule = &ScheduleDTO{
			Config:               json.RawMessage(c.Schedule.ConfigJSON),
			OccurrencesCompleted: c.Schedule.OccurrencesCompleted,
			LastScheduledDate:    formatDate(c.Schedule.LastScheduledDate),
		}
	}
	return dto
}

func toWaypointDTO(w visit.Waypoint, pendingReschedule bool) WaypointDTO {
	dto := WaypointDTO{
		ID:               string(w.ID),
		RouteID:          string(w.RouteID),
		Position:         w.Position,
		Status:           string(w.Status),
		ExecutionOrder:   w.ExecutionOrder,
		NeedsReschedule:  w.NeedsReschedule,
		MissedReason:     w.MissedReason,
		ExecutionNotes:   w.ExecutionNotes,
		RescheduledDate:  formatDate(w.RescheduledDate),
		DurationMinutes:  w.DurationMinutes,
		CalendarEventID:  w.CalendarEventID,
		Version:          w.Version,
		AvailableActions: []string{},
	}
	if w.CompletedAt != nil {
		dto.CompletedAt = formatTime(*w.CompletedAt)
	}
	if w.DistanceMiles != nil {
		s := w.DistanceMiles.String()
		dto.DistanceMiles = &s
	}

	switch s := w.Stop.(type) {
	case visit.ContactVisit:
		dto.Stop = StopDTO{
			Kind:      string(s.Kind()),
			ContactID: string(s.ContactID),
			Name:      s.Name,
			Address:   s.Address,
			StopType:  s.StopType,
			StopColor: s.StopColor,
			Labels:    s.Labels,
		}
	case visit.TimeGap:
		dto.Stop = StopDTO{Kind: string(s.Kind()), GapLabel: s.Label, GapMinutes: s.Minutes}
	}

	for _, a := range waypoint.AvailableActions(w, pendingReschedule) {
		dto.AvailableActions = append(dto.AvailableActions, string(a))
	}
	return dto
}

func toEntryDTO(e visit.RescheduleEntry) HistoryEntryDTO {
	dto := HistoryEntryDTO{
		ID:              string(e.ID),
		WaypointID:      string(e.WaypointID),
		RouteID:         string(e.RouteID),
		RouteName:       e.RouteName,
		ContactName:     e.ContactName,
		Address:         e.Address,
		OriginalDate:    formatDate(e.OriginalDate),
		RescheduledDate: formatDate(e.RescheduledDate),
		MissedReason:    e.MissedReason,
		Status:          string(e.Status),
		Notes:           e.Notes,
		Sequence:        e.Sequence,
		CreatedAt:       formatTime(e.CreatedAt),
	}
	if e.CompletedAt != nil {
		dto.CompletedAt = formatTime(*e.CompletedAt)
	}
	return dto
}

func toRecordDTO(r visit.BillingRecord) BillingRecordDTO {
	return BillingRecordDTO{
		SourceKey:       r.SourceKey,
		WaypointID:      string(r.WaypointID),
		ClientLabel:     r.ClientLabel,
		ContactName:     r.ContactName,
		VisitType:       r.VisitType,
		VisitDate:       formatDate(r.VisitDate),
		RouteHolderName: r.RouteHolderName,
		Status:          string(r.Status),
		AmountCents:     r.CalculatedAmount.Cents(),
		Amount:          r.CalculatedAmount.String(),
		Warnings:        r.Warnings,
	}
}

func toJobRunDTO(r visit.JobRun) JobRunDTO {
	dto := JobRunDTO{
		ID:        r.ID,
		Job:       r.Job,
		Status:    string(r.Status),
		StartedAt: formatTime(r.StartedAt),
		Processed: r.Processed,
		Failures:  r.Failures,
		Error:     r.Error,
	}
	if dto.Failures == nil {
		dto.Failures = []visit.JobFailure{}
	}
	if r.FinishedAt != nil {
		dto.FinishedAt = formatTime(*r.FinishedAt)
	}
	return dto
}

func parseStop(req StopRequest, c *visit.Contact) (visit.Stop, *decimal.Decimal, error) {
	if c == nil {
		if req.GapMinutes <= 0 {
			return nil, nil, &visit.ValidationError{Field: "gap_minutes", Message: "a time gap needs positive minutes"}
		}
		return visit.TimeGap{Label: req.GapLabel, Minutes: req.GapMinutes}, nil, nil
	}

	var distance *decimal.Decimal
	if req.DistanceMiles != nil {
		d, err := decimal.NewFromString(*req.DistanceMiles)
		if err != nil || d.IsNegative() {
			return nil, nil, &visit.ValidationError{Field: "distance_miles", Message: "must be a non-negative number"}
		}
		distance = &d
	}
	return visit.ContactVisit{
		ContactID: c.ID,
		Name:      c.Name,
		Address:   c.Address,
		StopType:  c.StopType,
		StopColor: c.StopColor,
		Labels:    c.Labels,
	}, distance, nil
}

func formatDate(d visit.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
