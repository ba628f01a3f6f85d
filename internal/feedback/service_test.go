package feedback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tukerank/internal/classifier"
	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/storage"
)

type fakeClassifier struct {
	mu      sync.Mutex
	result  classifier.Result
	err     error
	calls   int
	byRide  map[string]classifier.Result
	lastArg string
}

func (f *fakeClassifier) Classify(ctx context.Context, driverID string, rating int, review string) (classifier.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastArg = driverID
	if f.err != nil {
		return classifier.Result{}, f.err
	}
	if r, ok := f.byRide[review]; ok {
		return r, nil
	}
	return f.result, nil
}

func newCompletedRide(t *testing.T, store storage.Store, rideID, driverID string) *models.Ride {
	t.Helper()
	now := time.Now().UTC()
	ride := &models.Ride{
		ID:            rideID,
		TouristID:     "tourist-1",
		DriverID:      driverID,
		Pickup:        "Old Town",
		Destination:   "Train Station",
		ScheduledTime: now,
		Status:        models.StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.CreateRide(context.Background(), ride))
	return ride
}

func TestSubmitFeedbackHappyPath(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "R1", "D1")
	require.NoError(t, store.InitDriverElo(ctx, "D1", 100))

	cls := &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}
	svc := &Service{Store: store, Classifier: cls}

	fb, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	require.NoError(t, err)

	assert.Equal(t, "R1", fb.RideID)
	assert.Equal(t, models.SentimentPositive, fb.Sentiment)
	assert.Equal(t, 10, fb.EloChange)
	assert.Equal(t, 110, fb.NewElo)
	assert.Equal(t, "D1", cls.lastArg)

	elo, err := store.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 110, elo)

	hist, err := store.EloHistory(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 110, hist[0].Elo)

	ride, err := store.GetRide(ctx, "R1")
	require.NoError(t, err)
	require.NotNil(t, ride.Feedback)
	assert.Equal(t, "great driver", ride.Feedback.Review)
	assert.Equal(t, 5, ride.Feedback.Rating)
}

func TestSubmitFeedbackInitializesDefaultElo(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "R1", "fresh-driver")

	svc := &Service{Store: store, Classifier: &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentNegative, EloChange: -7}}}

	fb, err := svc.SubmitFeedback(ctx, "R1", 1, "kept us waiting an hour")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultElo-7, fb.NewElo)

	elo, err := store.GetDriverElo(ctx, "fresh-driver")
	require.NoError(t, err)
	assert.Equal(t, 93, elo)
}

func TestSubmitFeedbackValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	cls := &fakeClassifier{}
	svc := &Service{Store: store, Classifier: cls}

	_, err := svc.SubmitFeedback(context.Background(), "R1", 0, "fine")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.SubmitFeedback(context.Background(), "R1", 6, "fine")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.SubmitFeedback(context.Background(), "R1", 3, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Zero(t, cls.calls, "classifier must not be invoked for invalid input")
}

func TestSubmitFeedbackRideStateChecks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cls := &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentNeutral, EloChange: 0}}
	svc := &Service{Store: store, Classifier: cls}

	// missing ride
	_, err := svc.SubmitFeedback(ctx, "nope", 4, "fine")
	assert.ErrorIs(t, err, ErrInvalidRideState)

	// not completed
	ride := newCompletedRide(t, store, "R2", "D2")
	require.NoError(t, store.UpdateRideStatus(ctx, ride.ID, models.StatusCompleted, models.StatusScheduled))
	_, err = svc.SubmitFeedback(ctx, "R2", 4, "fine")
	assert.ErrorIs(t, err, ErrInvalidRideState)

	assert.Zero(t, cls.calls, "classifier must not run before preconditions hold")

	// no elo state was touched
	_, err = store.GetDriverElo(ctx, "D2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSecondFeedbackRejectedAndStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "R1", "D1")
	require.NoError(t, store.InitDriverElo(ctx, "D1", 100))

	svc := &Service{Store: store, Classifier: &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}}

	_, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	require.NoError(t, err)

	_, err = svc.SubmitFeedback(ctx, "R1", 1, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidRideState)

	elo, err := store.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 110, elo)

	hist, err := store.EloHistory(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestClassifierFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "R1", "D1")
	require.NoError(t, store.InitDriverElo(ctx, "D1", 100))

	svc := &Service{Store: store, Classifier: &fakeClassifier{err: classifier.ErrUnavailable}}

	_, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	assert.ErrorIs(t, err, ErrClassifierUnavailable)

	elo, err := store.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 100, elo)

	hist, err := store.EloHistory(ctx, "D1")
	require.NoError(t, err)
	assert.Empty(t, hist)

	ride, err := store.GetRide(ctx, "R1")
	require.NoError(t, err)
	assert.Nil(t, ride.Feedback)

	_, err = store.FeedbackByRide(ctx, "R1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSequentialSubmissionsSumDeltas(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.InitDriverElo(ctx, "D1", 100))

	deltas := []int{10, -3, 5, -8, 2}
	sum := 0
	for i, d := range deltas {
		rideID := string(rune('A' + i))
		newCompletedRide(t, store, rideID, "D1")
		svc := &Service{Store: store, Classifier: &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentNeutral, EloChange: d}}}
		_, err := svc.SubmitFeedback(ctx, rideID, 3, "ok ride")
		require.NoError(t, err)
		sum += d
	}

	elo, err := store.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 100+sum, elo)

	hist, err := store.EloHistory(ctx, "D1")
	require.NoError(t, err)
	assert.Len(t, hist, len(deltas))
}

func TestConcurrentSubmissionsForSameRideApplyOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "R1", "D1")
	require.NoError(t, store.InitDriverElo(ctx, "D1", 100))

	svc := &Service{Store: store, Classifier: &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}}

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var okCount int
	for err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, ErrInvalidRideState)
		}
	}
	assert.Equal(t, 1, okCount, "exactly one submission must win")

	elo, err := store.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 110, elo, "delta applied exactly once")
}

func TestConcurrentDriversNeverLoseAnUpdate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	newCompletedRide(t, store, "RA", "D2")
	newCompletedRide(t, store, "RB", "D2")
	require.NoError(t, store.InitDriverElo(ctx, "D2", 100))

	cls := &fakeClassifier{byRide: map[string]classifier.Result{
		"lovely":   {Sentiment: models.SentimentPositive, EloChange: 5},
		"too slow": {Sentiment: models.SentimentNegative, EloChange: -3},
	}}
	svc := &Service{Store: store, Classifier: cls, MaxCommitAttempts: 10}

	var wg sync.WaitGroup
	wg.Add(2)
	var errA, errB error
	go func() { defer wg.Done(); _, errA = svc.SubmitFeedback(ctx, "RA", 5, "lovely") }()
	go func() { defer wg.Done(); _, errB = svc.SubmitFeedback(ctx, "RB", 2, "too slow") }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	elo, err := store.GetDriverElo(ctx, "D2")
	require.NoError(t, err)
	assert.Equal(t, 102, elo, "both deltas must survive interleaving")
}

// conflictOnce wraps a store and fails the first SetDriverElo with a
// conflict, the way a racing writer would.
type conflictOnce struct {
	storage.Store
	mu    sync.Mutex
	fired bool
}

func (c *conflictOnce) SetDriverElo(ctx context.Context, driverID string, elo, expected int) error {
	c.mu.Lock()
	fired := c.fired
	c.fired = true
	c.mu.Unlock()
	if !fired {
		return storage.ErrConflictingWrite
	}
	return c.Store.SetDriverElo(ctx, driverID, elo, expected)
}

func TestEloConflictRetriesWithFreshRead(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newCompletedRide(t, mem, "R1", "D1")
	require.NoError(t, mem.InitDriverElo(ctx, "D1", 100))

	store := &conflictOnce{Store: mem}
	cls := &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}
	svc := &Service{Store: store, Classifier: cls}

	fb, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	require.NoError(t, err)
	assert.Equal(t, 110, fb.NewElo)
	assert.Equal(t, 1, cls.calls, "classifier must not be re-invoked on commit retry")
}

// brokenHistory wraps a store so the history append always fails, forcing
// the reconciliation path.
type brokenHistory struct {
	storage.Store
}

func (b *brokenHistory) AppendEloHistory(ctx context.Context, driverID string, elo int, at time.Time) error {
	return errors.New("disk on fire")
}

func TestCommitFailureFlagsRideForReconciliation(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newCompletedRide(t, mem, "R1", "D1")
	require.NoError(t, mem.InitDriverElo(ctx, "D1", 100))

	svc := &Service{
		Store:             &brokenHistory{Store: mem},
		Classifier:        &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}},
		MaxCommitAttempts: 2,
	}

	_, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	assert.ErrorIs(t, err, ErrCommitFailed)

	ride, err := mem.GetRide(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, ride.NeedsReconciliation)
}

// flakyCreate wraps a store so the first CreateFeedback calls fail with a
// transient error before the insert goes through.
type flakyCreate struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyCreate) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Store.CreateFeedback(ctx, fb)
}

func TestTransientCreateFailureRetriedWithinCommit(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newCompletedRide(t, mem, "R1", "D1")
	require.NoError(t, mem.InitDriverElo(ctx, "D1", 100))

	store := &flakyCreate{Store: mem, failures: 1}
	cls := &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}
	svc := &Service{Store: store, Classifier: cls}

	fb, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	require.NoError(t, err)
	assert.Equal(t, 110, fb.NewElo)
	assert.Equal(t, 2, store.calls, "insert must be retried after a transient failure")
	assert.Equal(t, 1, cls.calls, "classifier must not be re-invoked on commit retry")

	ride, err := mem.GetRide(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, ride.NeedsReconciliation)
}

// atomicStore exposes the single-transaction commit path with an injected
// conflict on the first attempt.
type atomicStore struct {
	storage.Store
	mu        sync.Mutex
	conflicts int
	commits   []storage.FeedbackCommit
}

func (a *atomicStore) CommitFeedback(ctx context.Context, c storage.FeedbackCommit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conflicts > 0 {
		a.conflicts--
		// simulate the racing writer the conflict detected
		cur, _ := a.Store.GetDriverElo(ctx, c.Feedback.DriverID)
		_ = a.Store.SetDriverElo(ctx, c.Feedback.DriverID, cur+5, cur)
		return storage.ErrConflictingWrite
	}
	a.commits = append(a.commits, c)
	if err := a.Store.CreateFeedback(ctx, &c.Feedback); err != nil {
		return err
	}
	if err := a.Store.SetRideFeedback(ctx, c.Feedback.RideID, c.Summary); err != nil {
		return err
	}
	if err := a.Store.SetDriverElo(ctx, c.Feedback.DriverID, c.NewElo, c.ExpectedElo); err != nil {
		return err
	}
	return a.Store.AppendEloHistory(ctx, c.Feedback.DriverID, c.NewElo, c.Feedback.CreatedAt)
}

func TestAtomicCommitRetriesConflictWithSameDelta(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	newCompletedRide(t, mem, "R1", "D1")
	require.NoError(t, mem.InitDriverElo(ctx, "D1", 100))

	store := &atomicStore{Store: mem, conflicts: 1}
	cls := &fakeClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}}
	svc := &Service{Store: store, Classifier: cls}

	fb, err := svc.SubmitFeedback(ctx, "R1", 5, "great driver")
	require.NoError(t, err)

	// racing writer moved 100 -> 105; our +10 lands on the fresh value
	assert.Equal(t, 115, fb.NewElo)
	assert.Equal(t, 1, cls.calls)

	elo, err := mem.GetDriverElo(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 115, elo)
}
