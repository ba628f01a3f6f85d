package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/tukerank/internal/models"
)

const pqUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, tourist_id, driver_id, pickup, destination, note, scheduled_time, status, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.TouristID, r.DriverID, r.Pickup, r.Destination, r.Note, r.ScheduledTime, r.Status, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, tourist_id, driver_id, pickup, destination, note, scheduled_time, status, feedback_review, feedback_rating, needs_reconciliation, payment_intent_id, created_at, updated_at FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ListRidesByTourist(ctx context.Context, touristID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tourist_id, driver_id, pickup, destination, note, scheduled_time, status, feedback_review, feedback_rating, needs_reconciliation, payment_intent_id, created_at, updated_at FROM rides WHERE tourist_id=$1 ORDER BY scheduled_time`, touristID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string, status models.RideStatus) ([]*models.Ride, error) {
	q := `SELECT id, tourist_id, driver_id, pickup, destination, note, scheduled_time, status, feedback_review, feedback_rating, needs_reconciliation, payment_intent_id, created_at, updated_at FROM rides WHERE driver_id=$1`
	args := []any{driverID}
	if status != "" {
		q += ` AND status=$2`
		args = append(args, status)
	}
	q += ` ORDER BY scheduled_time`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRides(rows)
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from, to models.RideStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, time.Now(), id, from)
	if err != nil {
		return err
	}
	return conflictOrMissing(ctx, p.db, res, id)
}

func (p *PostgresStore) SetRideFeedback(ctx context.Context, id string, fb models.FeedbackSummary) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET feedback_review=$1, feedback_rating=$2, updated_at=$3 WHERE id=$4 AND feedback_rating IS NULL`, fb.Review, fb.Rating, time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if !p.rideExists(ctx, id) {
			return ErrNotFound
		}
		return ErrAlreadyExists
	}
	return nil
}

func (p *PostgresStore) SetRidePaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET payment_intent_id=$1, updated_at=$2 WHERE id=$3`, paymentIntentID, time.Now(), id)
	if err != nil {
		return err
	}
	return missingWhenZero(res)
}

func (p *PostgresStore) MarkRideForReconciliation(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET needs_reconciliation=TRUE, updated_at=$1 WHERE id=$2`, time.Now(), id)
	if err != nil {
		return err
	}
	return missingWhenZero(res)
}

func (p *PostgresStore) GetDriverElo(ctx context.Context, driverID string) (int, error) {
	var elo int
	err := p.db.QueryRowContext(ctx, `SELECT elo FROM driver_reputation WHERE driver_id=$1`, driverID).Scan(&elo)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return elo, err
}

func (p *PostgresStore) InitDriverElo(ctx context.Context, driverID string, elo int) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_reputation(driver_id, elo) VALUES($1,$2)`, driverID, elo)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) SetDriverElo(ctx context.Context, driverID string, elo, expectedPriorElo int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE driver_reputation SET elo=$1 WHERE driver_id=$2 AND elo=$3`, elo, driverID, expectedPriorElo)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetDriverElo(ctx, driverID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflictingWrite
	}
	return nil
}

func (p *PostgresStore) AppendEloHistory(ctx context.Context, driverID string, elo int, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO elo_history(driver_id, elo, date) VALUES($1,$2,$3)`, driverID, elo, at)
	return err
}

func (p *PostgresStore) EloHistory(ctx context.Context, driverID string) ([]models.EloHistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, elo, date FROM elo_history WHERE driver_id=$1 ORDER BY date`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EloHistoryEntry
	for rows.Next() {
		var e models.EloHistoryEntry
		if err := rows.Scan(&e.DriverID, &e.Elo, &e.Date); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	return insertFeedback(ctx, p.db, f)
}

func (p *PostgresStore) FeedbackByRide(ctx context.Context, rideID string) (*models.Feedback, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, ride_id, driver_id, tourist_id, rating, review, sentiment, elo_change, new_elo, created_at FROM feedback WHERE ride_id=$1`, rideID)
	f := &models.Feedback{}
	err := row.Scan(&f.ID, &f.RideID, &f.DriverID, &f.TouristID, &f.Rating, &f.Review, &f.Sentiment, &f.EloChange, &f.NewElo, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *PostgresStore) ListFeedbackByDriver(ctx context.Context, driverID string) ([]*models.Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, tourist_id, rating, review, sentiment, elo_change, new_elo, created_at FROM feedback WHERE driver_id=$1 ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeedback(rows)
}

func (p *PostgresStore) ListFeedback(ctx context.Context) ([]*models.Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, tourist_id, rating, review, sentiment, elo_change, new_elo, created_at FROM feedback ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFeedback(rows)
}

// CommitFeedback applies the whole four-way feedback commit in one
// transaction, so a mid-commit crash leaves nothing visible.
func (p *PostgresStore) CommitFeedback(ctx context.Context, c FeedbackCommit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertFeedback(ctx, tx, &c.Feedback); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE rides SET feedback_review=$1, feedback_rating=$2, updated_at=$3 WHERE id=$4 AND feedback_rating IS NULL`,
		c.Summary.Review, c.Summary.Rating, time.Now(), c.Feedback.RideID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}

	res, err = tx.ExecContext(ctx, `UPDATE driver_reputation SET elo=$1 WHERE driver_id=$2 AND elo=$3`,
		c.NewElo, c.Feedback.DriverID, c.ExpectedElo)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflictingWrite
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO elo_history(driver_id, elo, date) VALUES($1,$2,$3)`,
		c.Feedback.DriverID, c.NewElo, c.Feedback.CreatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFeedback(ctx context.Context, db execer, f *models.Feedback) error {
	_, err := db.ExecContext(ctx, `INSERT INTO feedback(id, ride_id, driver_id, tourist_id, rating, review, sentiment, elo_change, new_elo, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.RideID, f.DriverID, f.TouristID, f.Rating, f.Review, f.Sentiment, f.EloChange, f.NewElo, f.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) rideExists(ctx context.Context, id string) bool {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, id).Scan(&one)
	return err == nil
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	r := &models.Ride{}
	var review sql.NullString
	var rating sql.NullInt64
	var note, paymentIntent sql.NullString
	err := row.Scan(&r.ID, &r.TouristID, &r.DriverID, &r.Pickup, &r.Destination, &note, &r.ScheduledTime, &r.Status, &review, &rating, &r.NeedsReconciliation, &paymentIntent, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	applyNullable(r, note, paymentIntent, review, rating)
	return r, nil
}

func collectRides(rows *sql.Rows) ([]*models.Ride, error) {
	var out []*models.Ride
	for rows.Next() {
		r := &models.Ride{}
		var review sql.NullString
		var rating sql.NullInt64
		var note, paymentIntent sql.NullString
		if err := rows.Scan(&r.ID, &r.TouristID, &r.DriverID, &r.Pickup, &r.Destination, &note, &r.ScheduledTime, &r.Status, &review, &rating, &r.NeedsReconciliation, &paymentIntent, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		applyNullable(r, note, paymentIntent, review, rating)
		out = append(out, r)
	}
	return out, rows.Err()
}

func applyNullable(r *models.Ride, note, paymentIntent, review sql.NullString, rating sql.NullInt64) {
	r.Note = note.String
	r.PaymentIntentID = paymentIntent.String
	if rating.Valid {
		r.Feedback = &models.FeedbackSummary{Review: review.String, Rating: int(rating.Int64)}
	}
}

func collectFeedback(rows *sql.Rows) ([]*models.Feedback, error) {
	var out []*models.Feedback
	for rows.Next() {
		f := &models.Feedback{}
		if err := rows.Scan(&f.ID, &f.RideID, &f.DriverID, &f.TouristID, &f.Rating, &f.Review, &f.Sentiment, &f.EloChange, &f.NewElo, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func missingWhenZero(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func conflictOrMissing(ctx context.Context, db *sql.DB, res sql.Result, rideID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 0 {
		return nil
	}
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1 FROM rides WHERE id=$1`, rideID).Scan(&one); errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("check ride %s: %w", rideID, err)
	}
	return ErrConflictingWrite
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
