/*
Package visit provides the core types of the recurring-visit engine.

PURPOSE:
  This package contains the domain types shared by every other package:
  routes and their waypoints, the contacts they visit, the reschedule
  ledger, billing clients and the records derived from them. It also
  defines the store interfaces and the error taxonomy.

KEY CONCEPTS IN THIS FILE (types.go):
  - Owner/Contact/Route/Waypoint IDs: Type-safe identifiers
  - Stop: Tagged variant, either a ContactVisit or a TimeGap
  - Waypoint: One planned stop within a route, with its execution status
  - RescheduleEntry: Append-only record of one reschedule action
  - BillingClient / BillingRecord: Rate table entry and derived line item

OWNERSHIP:
  Every entity carries an OwnerID. Every store method takes the owner and
  scopes its query to it. Cross-owner reads return ErrNotFound, never data.

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Reschedule ledger
  - waypoint/machine.go: Waypoint state machine
*/
package visit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type ContactID string
type RouteID string
type WaypointID string
type HolderID string
type EntryID string

// =============================================================================
// CONTACTS & ROUTE HOLDERS
// =============================================================================

// Contact is the record supplied by the contacts collaborator, plus the
// stored schedule. Labels drive billing attribution.
type Contact struct {
	ID              ContactID
	OwnerID         OwnerID
	Name            string
	Address         string
	Labels          []string
	StopType        string
	StopColor       string
	DefaultHolderID HolderID
	Schedule        *ScheduleRecord
	CreatedAt       time.Time
}

// ScheduleRecord is the persisted form of a contact's visit schedule.
// ConfigJSON is parsed by the factory package; the counter lives beside it
// so it can be incremented atomically.
type ScheduleRecord struct {
	ConfigJSON           string
	OccurrencesCompleted int
	LastScheduledDate    Date
	UpdatedAt            time.Time
}

// RouteHolder is the staff member who executes a route.
type RouteHolder struct {
	ID      HolderID
	OwnerID OwnerID
	Name    string
}

// =============================================================================
// ROUTES
// =============================================================================

// Route is the envelope around a day's waypoints for one holder.
type Route struct {
	ID            RouteID
	OwnerID       OwnerID
	Name          string
	ScheduledDate Date
	HolderID      HolderID
	CreatedAt     time.Time
}

// =============================================================================
// STOPS - Tagged variant over contact visits and timed gaps
// =============================================================================

type StopKind string

const (
	StopContactVisit StopKind = "contact_visit"
	StopTimeGap      StopKind = "time_gap"
)

// Stop is what a waypoint visits. Switch on the concrete type.
type Stop interface {
	Kind() StopKind
}

// ContactVisit is a stop at a contact. Name, address, type, color and labels
// are copied at creation and never re-read from the contact.
type ContactVisit struct {
	ContactID ContactID
	Name      string
	Address   string
	StopType  string
	StopColor string
	Labels    []string
}

func (ContactVisit) Kind() StopKind { return StopContactVisit }

// TimeGap is a timed break in a route with no contact attached.
type TimeGap struct {
	Label   string
	Minutes int
}

func (TimeGap) Kind() StopKind { return StopTimeGap }

// =============================================================================
// WAYPOINTS
// =============================================================================

type WaypointStatus string

const (
	StatusPending    WaypointStatus = "pending"
	StatusInProgress WaypointStatus = "in_progress"
	StatusComplete   WaypointStatus = "complete"
	StatusMissed     WaypointStatus = "missed"
)

func (s WaypointStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusMissed:
		return true
	}
	return false
}

// Waypoint is a single planned stop within a route.
//
// INVARIANTS:
//   - CompletedAt != nil iff Status == StatusComplete
//   - NeedsReschedule is only true when Status == StatusMissed
//   - RescheduledDate set implies a ledger entry exists for the waypoint
type Waypoint struct {
	ID              WaypointID
	OwnerID         OwnerID
	RouteID         RouteID
	Stop            Stop
	Position        int
	Status          WaypointStatus
	ExecutionOrder  *int
	NeedsReschedule bool
	MissedReason    string
	ExecutionNotes  string
	RescheduledDate Date
	CompletedAt     *time.Time

	// Billing inputs. DistanceMiles is nil when no distance was recorded.
	DistanceMiles   *decimal.Decimal
	DurationMinutes int

	// Opaque calendar collaborator id; display only.
	CalendarEventID string

	// OccurrenceKey is set for materialized recurrence occurrences
	// (contact|date) and is unique per owner.
	OccurrenceKey     string
	OccurrenceCounted bool

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContactID returns the visited contact, or "" for a time gap.
func (w Waypoint) ContactID() ContactID {
	if cv, ok := w.Stop.(ContactVisit); ok {
		return cv.ContactID
	}
	return ""
}

// Settled reports whether the waypoint reached an outcome for its current pass.
func (w Waypoint) Settled() bool {
	return w.Status == StatusComplete || w.Status == StatusMissed
}

// RouteStop is a waypoint joined with its route and holder, as read for
// billing and backfill.
type RouteStop struct {
	Waypoint   Waypoint
	Route      Route
	HolderName string
}

// =============================================================================
// RESCHEDULE LEDGER
// =============================================================================

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryReMissed  EntryStatus = "re_missed"
	EntryCancelled EntryStatus = "cancelled"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case EntryPending, EntryCompleted, EntryReMissed, EntryCancelled:
		return true
	}
	return false
}

func (s EntryStatus) Terminal() bool { return s != EntryPending }

// RescheduleEntry records one reschedule action. Route, contact and address
// are snapshots taken at write time.
type RescheduleEntry struct {
	ID              EntryID
	OwnerID         OwnerID
	WaypointID      WaypointID
	RouteID         RouteID
	RouteName       string
	ContactName     string
	Address         string
	OriginalDate    Date
	RescheduledDate Date
	MissedReason    string
	Status          EntryStatus
	CompletedAt     *time.Time
	Notes           string
	IdempotencyKey  string
	// Sequence orders a waypoint's entries, starting at 1.
	Sequence  int
	CreatedAt time.Time
}

// =============================================================================
// BILLING
// =============================================================================

type BillingModel string

const (
	ModelMileage BillingModel = "mileage"
	ModelFlatFee BillingModel = "flat_fee"
	ModelHourly  BillingModel = "hourly"
)

func (m BillingModel) Valid() bool {
	switch m {
	case ModelMileage, ModelFlatFee, ModelHourly:
		return true
	}
	return false
}

// BillingClient maps one contact label to a rate. Rate applies to every
// stop type unless StopTypeRates overrides it.
type BillingClient struct {
	OwnerID          OwnerID
	Label            string
	Model            BillingModel
	Rate             *Money
	StopTypeRates    map[string]Money
	BillMissedVisits bool
	UpdatedAt        time.Time
}

// RateFor resolves the rate for a stop type. ok is false when neither an
// override nor a default rate is configured.
func (c BillingClient) RateFor(stopType string) (Money, bool) {
	if r, found := c.StopTypeRates[stopType]; found {
		return r, true
	}
	if c.Rate != nil {
		return *c.Rate, true
	}
	return 0, false
}

type BillingStatus string

const (
	BillingCompleted   BillingStatus = "completed"
	BillingMissed      BillingStatus = "missed"
	BillingRescheduled BillingStatus = "rescheduled"
)

// Annotation codes attached to billing records.
const (
	WarnAmountUnavailable = "amount_unavailable"
	WarnRateMissing       = "rate_missing"
)

// BillingRecord is one derived line item for a settled visit.
type BillingRecord struct {
	OwnerID          OwnerID
	SourceKey        string
	WaypointID       WaypointID
	ClientLabel      string
	ContactName      string
	VisitType        string
	VisitDate        Date
	RouteHolderName  string
	Status           BillingStatus
	CalculatedAmount Money
	Warnings         []string
	DerivedAt        time.Time
}

// =============================================================================
// BATCH JOBS
// =============================================================================

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobFailure isolates one failed unit of a batch run.
type JobFailure struct {
	OwnerID OwnerID `json:"owner_id"`
	Unit    string  `json:"unit,omitempty"`
	Error   string  `json:"error"`
}

// JobRun is the audit record of one batch execution.
type JobRun struct {
	ID         string
	Job        string
	Status     JobStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Processed  int
	Failures   []JobFailure
	Error      string
}
