package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/tukerank/internal/models"
)

// Sentinel errors surfaced by every store implementation. Callers match
// them with errors.Is; the ingestion service maps them onto its own
// failure taxonomy.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConflictingWrite = errors.New("conflicting write")
)

// RideStore defines persistence operations for rides.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRidesByTourist(ctx context.Context, touristID string) ([]*models.Ride, error)
	// ListRidesByDriver filters by status when status is non-empty.
	ListRidesByDriver(ctx context.Context, driverID string, status models.RideStatus) ([]*models.Ride, error)
	// UpdateRideStatus transitions id from the expected prior status to the
	// new one. A ride whose status no longer matches from fails with
	// ErrConflictingWrite so lifecycle races lose cleanly.
	UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) error
	// SetRideFeedback attaches the feedback summary. Fails with
	// ErrAlreadyExists when the ride already carries one.
	SetRideFeedback(ctx context.Context, id string, fb models.FeedbackSummary) error
	SetRidePaymentIntent(ctx context.Context, id, paymentIntentID string) error
	MarkRideForReconciliation(ctx context.Context, id string) error
}

// ReputationStore defines persistence for driver Elo state. The Elo row is
// shared mutable state; SetDriverElo carries the expected prior value so the
// store (not the application) detects lost updates.
type ReputationStore interface {
	// GetDriverElo returns ErrNotFound until the driver has been initialized.
	GetDriverElo(ctx context.Context, driverID string) (int, error)
	InitDriverElo(ctx context.Context, driverID string, elo int) error
	SetDriverElo(ctx context.Context, driverID string, elo, expectedPriorElo int) error
	AppendEloHistory(ctx context.Context, driverID string, elo int, at time.Time) error
	// EloHistory returns the append-only log ordered by date ascending.
	EloHistory(ctx context.Context, driverID string) ([]models.EloHistoryEntry, error)
}

// FeedbackStore defines persistence for feedback records.
type FeedbackStore interface {
	// CreateFeedback fails with ErrAlreadyExists when a record for the same
	// ride id exists. This uniqueness is the at-most-once barrier for the
	// whole submission workflow.
	CreateFeedback(ctx context.Context, f *models.Feedback) error
	FeedbackByRide(ctx context.Context, rideID string) (*models.Feedback, error)
	ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error)
	ListFeedback(ctx context.Context) ([]*models.Feedback, error)
}

// Store is the full persistence surface the services are wired against.
type Store interface {
	RideStore
	ReputationStore
	FeedbackStore
}

// FeedbackCommit carries the four-way state change of one feedback
// submission: the record itself, the ride annotation, the new driver Elo
// (guarded by the expected prior value) and the history append.
type FeedbackCommit struct {
	Feedback    models.Feedback
	Summary     models.FeedbackSummary
	ExpectedElo int
	NewElo      int
}

// AtomicCommitter is implemented by stores that can apply a FeedbackCommit
// in a single transaction. The ingestion service prefers this path; without
// it the four writes run sequentially with bounded retries.
type AtomicCommitter interface {
	CommitFeedback(ctx context.Context, c FeedbackCommit) error
}
