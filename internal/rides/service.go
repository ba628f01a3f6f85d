// Package rides owns the ride lifecycle: booking, driver completion or
// rejection, tourist cancellation. Feedback submission lives in the
// feedback package; this one never touches Elo state.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/observability"
	"github.com/example/tukerank/internal/payments"
	"github.com/example/tukerank/internal/storage"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is returned when a ride is not in a state the
	// requested transition allows, including lost transition races.
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrNotFound          = errors.New("ride not found")
)

type Service struct {
	Store  storage.Store
	Logger *slog.Logger
	// Payments is optional; without it rides are booked without a hold.
	Payments  payments.Provider
	FareCents int64
	Currency  string
}

type BookingRequest struct {
	TouristID     string    `json:"tourist_id"`
	DriverID      string    `json:"driver_id"`
	Pickup        string    `json:"pickup"`
	Destination   string    `json:"destination"`
	Note          string    `json:"note"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Book creates a Scheduled ride and, when payments are configured, places
// a hold for the fare. A failed hold does not block the booking; the ride
// simply carries no payment intent.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*models.Ride, error) {
	if err := validateBooking(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ride := &models.Ride{
		ID:            uuid.NewString(),
		TouristID:     req.TouristID,
		DriverID:      req.DriverID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Note:          req.Note,
		ScheduledTime: req.ScheduledTime,
		Status:        models.StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesBookedTotal.Inc()

	if s.Payments != nil && s.FareCents > 0 {
		piID, err := s.Payments.Hold(ctx, s.FareCents, s.currency(), req.TouristID)
		if err != nil {
			s.logger().Warn("fare hold failed", "ride_id", ride.ID, "error", err)
		} else if err := s.Store.SetRidePaymentIntent(ctx, ride.ID, piID); err != nil {
			s.logger().Warn("could not record payment intent", "ride_id", ride.ID, "error", err)
		} else {
			ride.PaymentIntentID = piID
		}
	}
	return ride, nil
}

// Complete marks a Scheduled ride Completed (driver action) and captures
// the fare hold if one exists.
func (s *Service) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.StatusCompleted, func(ctx context.Context, r *models.Ride) {
		if s.Payments != nil && r.PaymentIntentID != "" {
			if err := s.Payments.Capture(ctx, r.PaymentIntentID); err != nil {
				s.logger().Warn("fare capture failed", "ride_id", r.ID, "error", err)
			}
		}
	})
}

// Cancel marks a Scheduled ride Cancelled (tourist action) and releases
// the fare hold.
func (s *Service) Cancel(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.StatusCancelled, s.releaseHold)
}

// Reject marks a Scheduled ride Rejected (driver action) and releases the
// fare hold.
func (s *Service) Reject(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.StatusRejected, s.releaseHold)
}

func (s *Service) releaseHold(ctx context.Context, r *models.Ride) {
	if s.Payments != nil && r.PaymentIntentID != "" {
		if err := s.Payments.Cancel(ctx, r.PaymentIntentID); err != nil {
			s.logger().Warn("fare hold release failed", "ride_id", r.ID, "error", err)
		}
	}
}

// transition moves a ride out of Scheduled. The store's expected-status
// check makes racing transitions lose with ErrInvalidTransition instead of
// clobbering each other. Payment follow-through is best effort.
func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, after func(context.Context, *models.Ride)) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride %s: %w", rideID, err)
	}
	if ride.Status != models.StatusScheduled {
		return nil, fmt.Errorf("%w: ride %s is %s", ErrInvalidTransition, rideID, ride.Status)
	}
	err = s.Store.UpdateRideStatus(ctx, rideID, models.StatusScheduled, to)
	if errors.Is(err, storage.ErrConflictingWrite) {
		return nil, fmt.Errorf("%w: ride %s changed state concurrently", ErrInvalidTransition, rideID)
	}
	if err != nil {
		return nil, fmt.Errorf("update ride %s: %w", rideID, err)
	}
	ride.Status = to
	if after != nil {
		after(ctx, ride)
	}
	return ride, nil
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "usd"
	}
	return s.Currency
}

func validateBooking(req BookingRequest) error {
	switch {
	case strings.TrimSpace(req.TouristID) == "":
		return fmt.Errorf("%w: tourist_id required", ErrValidation)
	case strings.TrimSpace(req.DriverID) == "":
		return fmt.Errorf("%w: driver_id required", ErrValidation)
	case strings.TrimSpace(req.Pickup) == "":
		return fmt.Errorf("%w: pickup required", ErrValidation)
	case strings.TrimSpace(req.Destination) == "":
		return fmt.Errorf("%w: destination required", ErrValidation)
	case req.ScheduledTime.IsZero():
		return fmt.Errorf("%w: scheduled_time required", ErrValidation)
	}
	return nil
}
