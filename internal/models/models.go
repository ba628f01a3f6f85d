package models

import "time"

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	StatusScheduled RideStatus = "Scheduled"
	StatusCompleted RideStatus = "Completed"
	StatusCancelled RideStatus = "Cancelled"
	StatusRejected  RideStatus = "Rejected"
)

// Terminal reports whether a ride in this status may never transition again.
func (s RideStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusRejected
}

// Sentiment is the coarse classification of a review's text.
type Sentiment string

const (
	SentimentPositive Sentiment = "Positive"
	SentimentNeutral  Sentiment = "Neutral"
	SentimentNegative Sentiment = "Negative"
)

// ValidSentiment reports whether s is one of the three known labels.
func ValidSentiment(s Sentiment) bool {
	return s == SentimentPositive || s == SentimentNeutral || s == SentimentNegative
}

// FeedbackSummary is the short form embedded on a ride once feedback exists.
type FeedbackSummary struct {
	Review string `json:"review"`
	Rating int    `json:"rating"`
}

type Ride struct {
	ID            string           `json:"id"`
	TouristID     string           `json:"tourist_id"`
	DriverID      string           `json:"driver_id"`
	Pickup        string           `json:"pickup"`
	Destination   string           `json:"destination"`
	Note          string           `json:"note,omitempty"`
	ScheduledTime time.Time        `json:"scheduled_time"`
	Status        RideStatus       `json:"status"`
	Feedback      *FeedbackSummary `json:"feedback,omitempty"`
	// NeedsReconciliation marks a ride whose feedback commit partially
	// failed after the classifier was charged; an operator must repair it.
	NeedsReconciliation bool      `json:"needs_reconciliation,omitempty"`
	PaymentIntentID     string    `json:"payment_intent_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Feedback is the immutable record created once per completed ride.
type Feedback struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	TouristID string    `json:"tourist_id"`
	Rating    int       `json:"rating"` // 1..5
	Review    string    `json:"review"`
	Sentiment Sentiment `json:"sentiment"`
	EloChange int       `json:"elo_change"`
	NewElo    int       `json:"new_elo"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverReputation holds the current Elo rating for a driver.
type DriverReputation struct {
	DriverID string `json:"driver_id"`
	Elo      int    `json:"elo"`
}

// DefaultElo is the rating a driver starts from before any feedback.
const DefaultElo = 100

// EloHistoryEntry is one point of a driver's append-only rating log.
type EloHistoryEntry struct {
	DriverID string    `json:"driver_id"`
	Elo      int       `json:"elo"` // value after the change
	Date     time.Time `json:"date"`
}

// EloUpdate is the event published after a feedback commit and pushed to
// connected driver sessions.
type EloUpdate struct {
	DriverID  string    `json:"driver_id"`
	RideID    string    `json:"ride_id"`
	Elo       int       `json:"elo"`
	EloChange int       `json:"elo_change"`
	Sentiment Sentiment `json:"sentiment"`
	At        time.Time `json:"at"`
}
