package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tukerank/internal/dispatch"
	"github.com/example/tukerank/internal/feedback"
	"github.com/example/tukerank/internal/leaderboard"
	"github.com/example/tukerank/internal/models"
	"github.com/example/tukerank/internal/rides"
	"github.com/example/tukerank/internal/storage"
)

// Leaderboard is the read side of the Redis ranking; nil when Redis is not
// configured.
type Leaderboard interface {
	Top(ctx context.Context, n int) ([]leaderboard.Entry, error)
}

type Server struct {
	Rides    *rides.Service
	Feedback *feedback.Service
	Store    storage.Store
	Board    Leaderboard
	WSReg    *dispatch.WSRegistry
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(logger *slog.Logger, store storage.Store, rideSvc *rides.Service, fbSvc *feedback.Service, board Leaderboard, wsreg *dispatch.WSRegistry) *Server {
	s := &Server{
		Rides:    rideSvc,
		Feedback: fbSvc,
		Store:    store,
		Board:    board,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleBookRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/complete", s.transitionHandler(s.Rides.Complete)).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.transitionHandler(s.Rides.Cancel)).Methods("POST")
	api.HandleFunc("/rides/{id}/reject", s.transitionHandler(s.Rides.Reject)).Methods("POST")
	api.HandleFunc("/rides/{id}/feedback", s.handleSubmitFeedback).Methods("POST")
	api.HandleFunc("/drivers/{id}/reputation", s.handleDriverReputation).Methods("GET")
	api.HandleFunc("/drivers/{id}/history", s.handleEloHistory).Methods("GET")
	api.HandleFunc("/drivers/{id}/feedback", s.handleDriverFeedback).Methods("GET")
	api.HandleFunc("/feedback", s.handleAllFeedback).Methods("GET")
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	var req rides.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	ride, err := s.Rides.Book(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()
	switch {
	case q.Get("tourist_id") != "":
		list, err := s.Store.ListRidesByTourist(ctx, q.Get("tourist_id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case q.Get("driver_id") != "":
		list, err := s.Store.ListRidesByDriver(ctx, q.Get("driver_id"), models.RideStatus(q.Get("status")))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		s.writeError(w, r, badRequest(errors.New("tourist_id or driver_id query parameter required")))
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) transitionHandler(fn func(context.Context, string) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := fn(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

type submitFeedbackRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err))
		return
	}
	fb, err := s.Feedback.SubmitFeedback(r.Context(), mux.Vars(r)["id"], req.Rating, req.Review)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (s *Server) handleDriverReputation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["id"]
	elo, err := s.Store.GetDriverElo(r.Context(), driverID)
	if errors.Is(err, storage.ErrNotFound) {
		// Uninitialized drivers report the default rather than 404: the
		// dashboard treats them as fresh, not missing.
		writeJSON(w, http.StatusOK, models.DriverReputation{DriverID: driverID, Elo: models.DefaultElo})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DriverReputation{DriverID: driverID, Elo: elo})
}

func (s *Server) handleEloHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Store.EloHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []models.EloHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleDriverFeedback(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListFeedbackByDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAllFeedback(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListFeedback(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.Board == nil {
		s.writeError(w, r, errors.New("leaderboard not configured"))
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	top, err := s.Board.Top(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, top)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	// drain the connection so close frames are seen and the session is
	// dropped when the driver disconnects
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
