/*
store.go - Persistence interfaces for the visit engine

PURPOSE:
  Defines the interface between the domain logic and the database.
  The relational store is the single source of truth; nothing in the
  engine caches waypoint or ledger state across requests.

KEY INTERFACES:
  Tx:    Everything a state transition or materialization touches.
         Implementations hand a Tx bound to one database transaction
         to the WithTx callback.
  Store: Tx plus batch-job bookkeeping, billing tables and WithTx.

OWNER SCOPING:
  Every method takes the owner id and filters on it. A row belonging to a
  different owner is indistinguishable from a missing row.

CONCURRENCY CONTRACTS:
  - UpdateWaypoint is an optimistic write: it only succeeds when the stored
    version equals w.Version, then bumps it. Otherwise it returns
    ErrConcurrentModification.
  - IncrementOccurrences is a single atomic UPDATE, never read-then-write.
  - AppendEntry and InsertWaypoint reject duplicate idempotency keys with
    ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/sqlstore: database/sql implementation (SQLite and PostgreSQL)
  - store/sqlite, store/postgres: constructors for each driver

SEE ALSO:
  - ledger.go: Higher-level ledger using LedgerStore
  - store/sqlstore/store.go: Concrete implementation
*/
package visit

import (
	"context"
	"time"
)

// =============================================================================
// CONTACTS, HOLDERS, ROUTES
// =============================================================================

type ContactStore interface {
	SaveContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, owner OwnerID, id ContactID) (*Contact, error)

	// ListScheduledContacts returns contacts that carry a schedule, ordered by id.
	ListScheduledContacts(ctx context.Context, owner OwnerID) ([]Contact, error)

	// SaveSchedule replaces the schedule config, keeping the counter.
	SaveSchedule(ctx context.Context, owner OwnerID, id ContactID, configJSON string) error

	// IncrementOccurrences atomically adds one to the counter and returns the new value.
	IncrementOccurrences(ctx context.Context, owner OwnerID, id ContactID) (int, error)

	// SetLastScheduledDate records the newest materialized occurrence.
	SetLastScheduledDate(ctx context.Context, owner OwnerID, id ContactID, d Date) error
}

type HolderStore interface {
	SaveHolder(ctx context.Context, h RouteHolder) error
	GetHolder(ctx context.Context, owner OwnerID, id HolderID) (*RouteHolder, error)
	ListHolders(ctx context.Context, owner OwnerID) ([]RouteHolder, error)
}

type RouteStore interface {
	SaveRoute(ctx context.Context, r Route) error
	GetRoute(ctx context.Context, owner OwnerID, id RouteID) (*Route, error)

	// FindRoute returns the route for a (date, holder) pair or ErrNotFound.
	FindRoute(ctx context.Context, owner OwnerID, date Date, holder HolderID) (*Route, error)
}

// =============================================================================
// WAYPOINTS
// =============================================================================

type WaypointStore interface {
	InsertWaypoint(ctx context.Context, w Waypoint) error
	GetWaypoint(ctx context.Context, owner OwnerID, id WaypointID) (*Waypoint, error)

	// UpdateWaypoint persists w if the stored version equals w.Version.
	UpdateWaypoint(ctx context.Context, w Waypoint) error

	ListWaypointsByRoute(ctx context.Context, owner OwnerID, route RouteID) ([]Waypoint, error)

	// ListRouteStops returns waypoints joined with route and holder.
	// No statuses means all statuses.
	ListRouteStops(ctx context.Context, owner OwnerID, statuses ...WaypointStatus) ([]RouteStop, error)

	// MaxExecutionOrder returns the highest execution order in the route, 0 if none.
	MaxExecutionOrder(ctx context.Context, owner OwnerID, route RouteID) (int, error)

	// NextPosition returns the next free planned position in the route.
	NextPosition(ctx context.Context, owner OwnerID, route RouteID) (int, error)

	// CountOutstanding counts materialized occurrences of the contact that
	// have not yet been counted by a settlement.
	CountOutstanding(ctx context.Context, owner OwnerID, contact ContactID) (int, error)
}

// =============================================================================
// RESCHEDULE LEDGER
// =============================================================================

// EntryFilter narrows a history listing. Zero value lists everything.
type EntryFilter struct {
	Status     EntryStatus
	WaypointID WaypointID
}

type LedgerStore interface {
	// AppendEntry writes a new entry. Fails on a duplicate idempotency key.
	AppendEntry(ctx context.Context, e RescheduleEntry) error

	// SettleEntry moves a pending entry to a terminal status. An entry that is
	// no longer pending yields ErrConflict.
	SettleEntry(ctx context.Context, owner OwnerID, id EntryID, status EntryStatus, completedAt *time.Time, notes string) error

	// PendingEntry returns the open entry for a waypoint or ErrNotFound.
	PendingEntry(ctx context.Context, owner OwnerID, waypoint WaypointID) (*RescheduleEntry, error)

	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, owner OwnerID, filter EntryFilter) ([]RescheduleEntry, error)

	// NextSequence returns the sequence the waypoint's next entry takes.
	NextSequence(ctx context.Context, owner OwnerID, waypoint WaypointID) (int, error)

	// WaypointsWithoutEntries returns stops carrying a rescheduled date but no
	// ledger rows, for backfill.
	WaypointsWithoutEntries(ctx context.Context, owner OwnerID) ([]RouteStop, error)
}

// =============================================================================
// BILLING & JOBS
// =============================================================================

type BillingStore interface {
	SaveBillingClient(ctx context.Context, c BillingClient) error
	ListBillingClients(ctx context.Context, owner OwnerID) ([]BillingClient, error)

	// ReplaceBillingRecords swaps the owner's stored records dated inside r
	// for records, atomically.
	ReplaceBillingRecords(ctx context.Context, owner OwnerID, r DateRange, records []BillingRecord) error
	ListBillingRecords(ctx context.Context, owner OwnerID, r DateRange) ([]BillingRecord, error)
}

type JobStore interface {
	// ListOwners returns owner ids greater than after, ascending.
	ListOwners(ctx context.Context, after OwnerID, limit int) ([]OwnerID, error)

	// Checkpoint returns the last owner fully processed by the job ("" if none).
	Checkpoint(ctx context.Context, job string) (OwnerID, error)
	SaveCheckpoint(ctx context.Context, job string, owner OwnerID) error

	SaveJobRun(ctx context.Context, run JobRun) error
	ListJobRuns(ctx context.Context, job string, limit int) ([]JobRun, error)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Tx is the set of operations available inside WithTx.
type Tx interface {
	ContactStore
	HolderStore
	RouteStore
	WaypointStore
	LedgerStore
}

// TxRunner runs fn inside one database transaction. If fn returns an error
// nothing it wrote is kept.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is the full persistence surface.
type Store interface {
	Tx
	TxRunner
	BillingStore
	JobStore
	Close() error
}
