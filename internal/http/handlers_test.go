package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tukerank/internal/classifier"
	"github.com/example/tukerank/internal/dispatch"
	"github.com/example/tukerank/internal/feedback"
	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/rides"
	"github.com/example/tukerank/internal/storage"
)

type stubClassifier struct {
	result classifier.Result
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, driverID string, rating int, review string) (classifier.Result, error) {
	if s.err != nil {
		return classifier.Result{}, s.err
	}
	return s.result, nil
}

func testServer(t *testing.T, cls classifier.Client) (*Server, storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	store := storage.NewMemoryStore()
	rideSvc := &rides.Service{Store: store, Logger: logger}
	fbSvc := &feedback.Service{Store: store, Classifier: cls, Logger: logger}
	wsreg := dispatch.NewWSRegistry(logger)
	return NewServer(logger, store, rideSvc, fbSvc, nil, wsreg), store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func bookRide(t *testing.T, srv http.Handler) models.Ride {
	t.Helper()
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides", map[string]any{
		"tourist_id":     "t1",
		"driver_id":      "d1",
		"pickup":         "Hotel",
		"destination":    "Airport",
		"scheduled_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var ride models.Ride
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ride))
	return ride
}

func TestBookAndCompleteRide(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})

	ride := bookRide(t, srv)
	assert.Equal(t, models.StatusScheduled, ride.Status)

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var done models.Ride
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &done))
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestBookRideValidationError(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides", map[string]any{"tourist_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp["kind"])
}

func TestSubmitFeedbackEndToEnd(t *testing.T) {
	srv, store := testServer(t, &stubClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}})

	ride := bookRide(t, srv)
	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/feedback", map[string]any{"rating": 5, "review": "great driver"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var fb models.Feedback
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fb))
	assert.Equal(t, models.SentimentPositive, fb.Sentiment)
	assert.Equal(t, 110, fb.NewElo)

	elo, err := store.GetDriverElo(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 110, elo)

	// second submission conflicts
	rr = doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/feedback", map[string]any{"rating": 1, "review": "round two"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_ride_state", resp["kind"])
}

func TestSubmitFeedbackOnScheduledRideConflicts(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 10}})
	ride := bookRide(t, srv)

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/feedback", map[string]any{"rating": 5, "review": "great"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSubmitFeedbackClassifierDown(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{err: classifier.ErrUnavailable})
	ride := bookRide(t, srv)
	doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)

	rr := doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/feedback", map[string]any{"rating": 5, "review": "great"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDriverReputationDefaultsForFreshDriver(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})
	rr := doJSON(t, srv, http.MethodGet, "/api/v1/drivers/d9/reputation", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rep models.DriverReputation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rep))
	assert.Equal(t, models.DefaultElo, rep.Elo)
}

func TestEloHistoryEndpoint(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{result: classifier.Result{Sentiment: models.SentimentPositive, EloChange: 4}})
	ride := bookRide(t, srv)
	doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/complete", nil)
	doJSON(t, srv, http.MethodPost, "/api/v1/rides/"+ride.ID+"/feedback", map[string]any{"rating": 4, "review": "nice"})

	rr := doJSON(t, srv, http.MethodGet, "/api/v1/drivers/d1/history", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var hist []models.EloHistoryEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, 104, hist[0].Elo)
}

func TestDriverReconnectKeepsLiveSession(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn1.Close()

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn2.Close()

	// the first connection is closed server-side on reconnect; reading it
	// errors once the close arrives
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn1.ReadMessage()
	require.Error(t, err)

	// let the stale connection's cleanup goroutine run before pushing
	time.Sleep(200 * time.Millisecond)

	u := models.EloUpdate{DriverID: "d1", RideID: "r1", Elo: 110, EloChange: 10, Sentiment: models.SentimentPositive, At: time.Now()}
	require.NoError(t, srv.WSReg.NotifyEloChange(u))

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.EloUpdate
	require.NoError(t, conn2.ReadJSON(&got))
	assert.Equal(t, 110, got.Elo)
}

func TestListRidesRequiresFilter(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})
	rr := doJSON(t, srv, http.MethodGet, "/api/v1/rides", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetRideNotFound(t *testing.T) {
	srv, _ := testServer(t, &stubClassifier{})
	rr := doJSON(t, srv, http.MethodGet, "/api/v1/rides/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
