package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
)

// Canceller removes a scheduled expiry alert. Implemented by the scheduler.
type Canceller interface {
	Cancel(rentalID int64) bool
}

// Server is the HTTP query API backing the rental history mini-app. Every
// route sits behind Telegram WebApp init-data auth and only ever serves the
// calling user's own rows.
type Server struct {
	repo     store.Repo
	sched    Canceller
	log      *zap.Logger
	botToken string

	srv *http.Server
}

func NewServer(addr string, repo store.Repo, sched Canceller, botToken string, log *zap.Logger) *Server {
	s := &Server{
		repo:     repo,
		sched:    sched,
		log:      log,
		botToken: botToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.telegramAuth)
		r.Get("/rentals", s.handleListRentals)
		r.Get("/rentals/stats", s.handleRentalStats)
		r.Delete("/rentals/{id}", s.handleDeleteRental)
		r.Get("/vehicles", s.handleListVehicles)
		r.Get("/vehicles/{id}", s.handleGetVehicle)
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("api server started", zap.String("addr", s.srv.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// --- Handlers ---

type rentalJSON struct {
	ID            int64   `json:"id"`
	VehicleID     int64   `json:"vehicleId"`
	VehicleName   string  `json:"vehicleName"`
	PlateNumber   string  `json:"plateNumber"`
	ImageSlug     string  `json:"imageSlug,omitempty"`
	Server        string  `json:"server"`
	CharacterName string  `json:"characterName"`
	CharacterID   string  `json:"characterId,omitempty"`
	Price         int64   `json:"price"`
	DurationHours float64 `json:"durationHours"`
	RenterName    string  `json:"renterName,omitempty"`
	RentedAt      string  `json:"rentedAt"`
	ExpiresAt     string  `json:"expiresAt"`
	Active        bool    `json:"active"`
}

func (s *Server) handleListRentals(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	q := r.URL.Query()

	f := store.RentalFilter{
		UserID: user.ID,
		Server: q.Get("server"),
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.VehicleID, _ = strconv.ParseInt(q.Get("vehicleId"), 10, 64)
	if t, ok := parseTime(q.Get("from")); ok {
		f.From = &t
	}
	if t, ok := parseTime(q.Get("to")); ok {
		f.To = &t
	}

	rows, total, err := s.repo.ListRentals(r.Context(), f)
	if err != nil {
		s.log.Error("list rentals failed", zap.Int64("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now()
	items := make([]rentalJSON, 0, len(rows))
	for _, row := range rows {
		items = append(items, toRentalJSON(row, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rentals": items,
		"total":   total,
	})
}

func (s *Server) handleRentalStats(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	stats, err := s.repo.GetRentalStats(r.Context(), user.ID, time.Now())
	if err != nil {
		s.log.Error("rental stats failed", zap.Int64("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalRentals":  stats.TotalRentals,
		"totalRevenue":  stats.TotalRevenue,
		"activeRentals": stats.ActiveRentals,
	})
}

func (s *Server) handleDeleteRental(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad rental id")
		return
	}

	deleted, err := s.repo.DeleteRental(r.Context(), user.ID, id)
	if err != nil {
		s.log.Error("delete rental failed", zap.Int64("rentalID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "rental not found")
		return
	}
	s.sched.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	stats, err := s.repo.ListVehicleStats(r.Context(), user.ID)
	if err != nil {
		s.log.Error("list vehicles failed", zap.Int64("userID", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]map[string]any, 0, len(stats))
	for _, vs := range stats {
		items = append(items, map[string]any{
			"id":          vs.Vehicle.ID,
			"name":        vs.Vehicle.Name,
			"plateNumber": vs.Vehicle.PlateNumber,
			"imageSlug":   vs.Vehicle.ImageSlug,
			"rentalCount": vs.RentalCount,
			"revenue":     vs.Revenue,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": items})
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad vehicle id")
		return
	}

	v, err := s.repo.GetVehicleByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		s.log.Error("get vehicle failed", zap.Int64("vehicleID", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if v.UserID != user.ID {
		writeError(w, http.StatusNotFound, "vehicle not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          v.ID,
		"name":        v.Name,
		"plateNumber": v.PlateNumber,
		"imageSlug":   v.ImageSlug,
	})
}

// --- Helpers ---

func toRentalJSON(row store.RentalRow, now time.Time) rentalJSON {
	return rentalJSON{
		ID:            row.Rental.ID,
		VehicleID:     row.Rental.VehicleID,
		VehicleName:   row.VehicleName,
		PlateNumber:   row.PlateNumber,
		ImageSlug:     row.ImageSlug,
		Server:        row.Rental.Server,
		CharacterName: row.Rental.CharacterName,
		CharacterID:   row.Rental.CharacterID,
		Price:         row.Rental.Price,
		DurationHours: row.Rental.DurationHours,
		RenterName:    row.Rental.RenterName,
		RentedAt:      row.Rental.RentedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     row.Rental.ExpiresAt.UTC().Format(time.RFC3339),
		Active:        !row.Rental.Expired(now),
	}
}

// parseTime accepts RFC 3339 or unix milliseconds, matching what the mini-app
// sends.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
