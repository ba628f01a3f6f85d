// Package feedback owns the submission workflow: one tourist rating/review
// becomes a feedback record, a ride annotation, a driver Elo change and a
// history entry, committed so that concurrent or duplicate submissions can
// never double-apply a delta or lose an update.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tukerank/internal/classifier"
	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/observability"
	"github.com/example/tukerank/internal/storage"
)

var (
	// ErrValidation covers bad ratings and empty reviews. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidRideState covers a missing ride, a ride not yet completed,
	// and a ride that already has feedback. Never retried.
	ErrInvalidRideState = errors.New("invalid ride state")
	// ErrClassifierUnavailable aliases the adapter's sentinel so callers
	// only import this package for the taxonomy.
	ErrClassifierUnavailable = classifier.ErrUnavailable
	// ErrCommitFailed means the classifier was already charged but the
	// multi-write commit could not land within the attempt budget.
	ErrCommitFailed = errors.New("feedback commit failed")
)

// EventPublisher pushes a committed Elo update onto the event bus.
type EventPublisher interface {
	PublishEloUpdate(u models.EloUpdate) error
}

// Notifier pushes a committed Elo update to a live driver session.
type Notifier interface {
	NotifyEloChange(u models.EloUpdate) error
}

type Service struct {
	Store      storage.Store
	Classifier classifier.Client
	Publisher  EventPublisher // optional
	Notifier   Notifier       // optional
	Logger     *slog.Logger
	// MaxCommitAttempts bounds the commit retry loop, including Elo
	// compare-and-set conflicts. Defaults to 3.
	MaxCommitAttempts int
}

func (s *Service) attempts() int {
	if s.MaxCommitAttempts <= 0 {
		return 3
	}
	return s.MaxCommitAttempts
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// SubmitFeedback runs the whole workflow for one submission.
//
// Once the classifier has been invoked the commit proceeds on a context
// detached from the caller: abandoning the HTTP request must not leave a
// classified-but-unrecorded Elo effect.
func (s *Service) SubmitFeedback(ctx context.Context, rideID string, rating int, review string) (*models.Feedback, error) {
	if rating < 1 || rating > 5 {
		observability.FeedbackSubmissionsTotal.WithLabelValues("validation_error").Inc()
		return nil, fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrValidation, rating)
	}
	if strings.TrimSpace(review) == "" {
		observability.FeedbackSubmissionsTotal.WithLabelValues("validation_error").Inc()
		return nil, fmt.Errorf("%w: review must not be empty", ErrValidation)
	}

	ride, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		observability.FeedbackSubmissionsTotal.WithLabelValues("invalid_ride_state").Inc()
		return nil, fmt.Errorf("%w: ride %s not found", ErrInvalidRideState, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride.Status != models.StatusCompleted {
		observability.FeedbackSubmissionsTotal.WithLabelValues("invalid_ride_state").Inc()
		return nil, fmt.Errorf("%w: ride %s is %s, feedback requires Completed", ErrInvalidRideState, rideID, ride.Status)
	}
	if ride.Feedback != nil {
		observability.FeedbackSubmissionsTotal.WithLabelValues("invalid_ride_state").Inc()
		return nil, fmt.Errorf("%w: ride %s already has feedback", ErrInvalidRideState, rideID)
	}

	start := time.Now()
	verdict, err := s.Classifier.Classify(ctx, ride.DriverID, rating, review)
	observability.ClassifierLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ClassifierErrors.Inc()
		observability.FeedbackSubmissionsTotal.WithLabelValues("classifier_unavailable").Inc()
		return nil, err
	}

	// External side effect done; finish the commit even if the caller hangs up.
	commitCtx := context.WithoutCancel(ctx)

	fb, err := s.commit(commitCtx, ride, rating, review, verdict)
	if err != nil {
		return nil, err
	}
	observability.FeedbackSubmissionsTotal.WithLabelValues("ok").Inc()

	update := models.EloUpdate{
		DriverID:  fb.DriverID,
		RideID:    fb.RideID,
		Elo:       fb.NewElo,
		EloChange: fb.EloChange,
		Sentiment: fb.Sentiment,
		At:        fb.CreatedAt,
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishEloUpdate(update); err != nil {
			s.logger().Warn("elo update publish failed", "ride_id", fb.RideID, "error", err)
		}
	}
	if s.Notifier != nil {
		_ = s.Notifier.NotifyEloChange(update)
	}
	return fb, nil
}

func (s *Service) commit(ctx context.Context, ride *models.Ride, rating int, review string, verdict classifier.Result) (*models.Feedback, error) {
	currentElo, err := s.currentElo(ctx, ride.DriverID)
	if err != nil {
		return nil, err
	}

	if ac, ok := s.Store.(storage.AtomicCommitter); ok {
		return s.commitAtomic(ctx, ac, ride, rating, review, verdict, currentElo)
	}
	return s.commitSequential(ctx, ride, rating, review, verdict, currentElo)
}

// commitAtomic retries the whole single-transaction commit; a conflicting
// Elo write re-reads the current value and re-applies the same delta. The
// classifier is never re-invoked.
func (s *Service) commitAtomic(ctx context.Context, ac storage.AtomicCommitter, ride *models.Ride, rating int, review string, verdict classifier.Result, currentElo int) (*models.Feedback, error) {
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			observability.FeedbackCommitRetries.Inc()
		}
		fb := s.newRecord(ride, rating, review, verdict, currentElo)
		err := ac.CommitFeedback(ctx, storage.FeedbackCommit{
			Feedback:    *fb,
			Summary:     models.FeedbackSummary{Review: review, Rating: rating},
			ExpectedElo: currentElo,
			NewElo:      fb.NewElo,
		})
		switch {
		case err == nil:
			return fb, nil
		case errors.Is(err, storage.ErrAlreadyExists):
			observability.FeedbackSubmissionsTotal.WithLabelValues("invalid_ride_state").Inc()
			return nil, fmt.Errorf("%w: ride %s already has feedback", ErrInvalidRideState, ride.ID)
		case errors.Is(err, storage.ErrConflictingWrite):
			currentElo, err = s.currentElo(ctx, ride.DriverID)
			if err != nil {
				return nil, err
			}
			lastErr = storage.ErrConflictingWrite
		default:
			lastErr = err
		}
	}
	observability.FeedbackSubmissionsTotal.WithLabelValues("commit_failed").Inc()
	return nil, fmt.Errorf("%w: ride %s: %v", ErrCommitFailed, ride.ID, lastErr)
}

// commitSequential performs the four writes in order for stores without a
// transactional primitive. The feedback insert is first because its
// per-ride uniqueness is the at-most-once barrier; once it lands, any
// unrecoverable later failure flags the ride for manual reconciliation
// rather than silently dropping the Elo effect.
func (s *Service) commitSequential(ctx context.Context, ride *models.Ride, rating int, review string, verdict classifier.Result, currentElo int) (*models.Feedback, error) {
	fb := s.newRecord(ride, rating, review, verdict, currentElo)

	var createErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			observability.FeedbackCommitRetries.Inc()
		}
		createErr = s.Store.CreateFeedback(ctx, fb)
		if createErr == nil || errors.Is(createErr, storage.ErrAlreadyExists) {
			break
		}
	}
	if errors.Is(createErr, storage.ErrAlreadyExists) {
		observability.FeedbackSubmissionsTotal.WithLabelValues("invalid_ride_state").Inc()
		return nil, fmt.Errorf("%w: ride %s already has feedback", ErrInvalidRideState, ride.ID)
	}
	if createErr != nil {
		// nothing landed yet, so no reconciliation flag
		observability.FeedbackSubmissionsTotal.WithLabelValues("commit_failed").Inc()
		return nil, fmt.Errorf("%w: create feedback for ride %s: %v", ErrCommitFailed, ride.ID, createErr)
	}

	if err := s.retrying(ctx, ride.ID, "set ride feedback", func() error {
		err := s.Store.SetRideFeedback(ctx, ride.ID, models.FeedbackSummary{Review: review, Rating: rating})
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Our own record made it in first; the annotation is in place.
			return nil
		}
		return err
	}); err != nil {
		return nil, err
	}

	applied, err := s.applyEloDelta(ctx, ride, verdict.EloChange, currentElo)
	if err != nil {
		return nil, err
	}
	fb.NewElo = applied

	if err := s.retrying(ctx, ride.ID, "append elo history", func() error {
		return s.Store.AppendEloHistory(ctx, ride.DriverID, applied, fb.CreatedAt)
	}); err != nil {
		return nil, err
	}
	return fb, nil
}

// applyEloDelta serializes concurrent updates for one driver through the
// store's compare-and-set: on conflict, re-read and re-apply the same delta
// to the fresh value so no concurrent update is ever overwritten.
func (s *Service) applyEloDelta(ctx context.Context, ride *models.Ride, delta, currentElo int) (int, error) {
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			observability.FeedbackCommitRetries.Inc()
		}
		newElo := currentElo + delta
		err := s.Store.SetDriverElo(ctx, ride.DriverID, newElo, currentElo)
		if err == nil {
			return newElo, nil
		}
		if errors.Is(err, storage.ErrConflictingWrite) {
			currentElo, err = s.currentElo(ctx, ride.DriverID)
			if err != nil {
				return 0, s.reconcile(ctx, ride.ID, "re-read driver elo", err)
			}
			lastErr = storage.ErrConflictingWrite
			continue
		}
		lastErr = err
	}
	return 0, s.reconcile(ctx, ride.ID, "set driver elo", lastErr)
}

func (s *Service) retrying(ctx context.Context, rideID, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			observability.FeedbackCommitRetries.Inc()
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return s.reconcile(ctx, rideID, op, lastErr)
}

func (s *Service) reconcile(ctx context.Context, rideID, op string, cause error) error {
	observability.FeedbackSubmissionsTotal.WithLabelValues("commit_failed").Inc()
	observability.ReconciliationsTotal.Inc()
	if err := s.Store.MarkRideForReconciliation(ctx, rideID); err != nil {
		s.logger().Error("failed to flag ride for reconciliation", "ride_id", rideID, "error", err)
	}
	s.logger().Error("feedback commit incomplete, ride flagged", "ride_id", rideID, "op", op, "error", cause)
	return fmt.Errorf("%w: %s for ride %s: %v", ErrCommitFailed, op, rideID, cause)
}

func (s *Service) currentElo(ctx context.Context, driverID string) (int, error) {
	elo, err := s.Store.GetDriverElo(ctx, driverID)
	if err == nil {
		return elo, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("read elo for driver %s: %w", driverID, err)
	}
	// First feedback for this driver: initialize at the default. A racing
	// initializer is fine, we just read whatever won.
	if err := s.Store.InitDriverElo(ctx, driverID, models.DefaultElo); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return 0, fmt.Errorf("init elo for driver %s: %w", driverID, err)
	}
	return s.Store.GetDriverElo(ctx, driverID)
}

func (s *Service) newRecord(ride *models.Ride, rating int, review string, verdict classifier.Result, currentElo int) *models.Feedback {
	return &models.Feedback{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		DriverID:  ride.DriverID,
		TouristID: ride.TouristID,
		Rating:    rating,
		Review:    review,
		Sentiment: verdict.Sentiment,
		EloChange: verdict.EloChange,
		NewElo:    currentElo + verdict.EloChange,
		CreatedAt: time.Now().UTC(),
	}
}
