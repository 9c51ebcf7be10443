// Package ingest turns one source-bot message into at most one rental record
// and arms its expiry alert. The live stream and the history scanner both feed
// this path, so the (user, source message id) dedup key at the persistence
// boundary is the single idempotence point.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/scheduler"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
)

// Result reports what one message produced.
type Result struct {
	Matched  bool // trigger phrase present
	Parsed   bool // all mandatory fields extracted
	Inserted bool // a new rental row was created
	RentalID int64
}

// Service orchestrates parser, vehicle resolution, persistence and alert
// arming.
type Service struct {
	repo  store.Repo
	sched *scheduler.Scheduler
	log   *zap.Logger
	now   func() time.Time
}

func New(repo store.Repo, sched *scheduler.Scheduler, log *zap.Logger) *Service {
	return &Service{repo: repo, sched: sched, log: log, now: time.Now}
}

// Process ingests one message for the given user. Malformed text and
// duplicate events are not errors: they come back as zero-valued flags in
// Result so callers can count them.
func (s *Service) Process(ctx context.Context, userID int64, msg stream.Message) (Result, error) {
	var res Result
	if !domain.IsRentalTrigger(msg.Text) {
		return res, nil
	}
	res.Matched = true

	parsed, ok := domain.ParseRental(msg.Text)
	if !ok {
		s.log.Warn("rental message failed to parse",
			zap.Int64("userID", userID), zap.Int64("messageID", msg.ID))
		return res, nil
	}
	res.Parsed = true

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("load user %d: %w", userID, err)
	}

	vehicle, err := s.vehicleFor(ctx, userID, parsed)
	if err != nil {
		return res, err
	}

	rentedAt := msg.Date.UTC()
	expiresAt := rentedAt.Add(time.Duration(parsed.DurationHours * float64(time.Hour)))
	alreadyExpired := !expiresAt.After(s.now().UTC())

	rental := &domain.Rental{
		UserID:           userID,
		VehicleID:        vehicle.ID,
		Server:           parsed.Server,
		CharacterName:    parsed.CharacterName,
		CharacterID:      parsed.CharacterID,
		Price:            parsed.Price,
		DurationHours:    parsed.DurationHours,
		RenterName:       parsed.RenterName,
		RentedAt:         rentedAt,
		ExpiresAt:        expiresAt,
		NotificationSent: alreadyExpired,
		SourceMessageID:  msg.ID,
	}

	inserted, err := s.repo.InsertRental(ctx, rental)
	if err != nil {
		return res, fmt.Errorf("insert rental: %w", err)
	}
	if !inserted {
		// Dedup key hit: the other ingestion path won the race.
		return res, nil
	}
	res.Inserted = true
	res.RentalID = rental.ID

	s.log.Info("rental recorded",
		zap.Int64("rentalID", rental.ID),
		zap.String("vehicle", parsed.VehicleName),
		zap.String("plate", parsed.PlateNumber),
		zap.Int64("price", parsed.Price),
		zap.Float64("durationHours", parsed.DurationHours),
	)

	if !alreadyExpired {
		s.sched.Schedule(scheduler.Item{
			RentalID:    rental.ID,
			ChatID:      user.TelegramID,
			VehicleName: vehicle.Name,
			PlateNumber: vehicle.PlateNumber,
			ExpiresAt:   expiresAt,
		})
	}
	return res, nil
}

// vehicleFor finds the user's vehicle by plate, creating it on first sighting
// with a resolved image slug when one matches.
func (s *Service) vehicleFor(ctx context.Context, userID int64, parsed *domain.ParsedRental) (*domain.Vehicle, error) {
	vehicle, err := s.repo.GetVehicleByPlate(ctx, userID, parsed.PlateNumber)
	if err == nil {
		return vehicle, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup vehicle: %w", err)
	}

	vehicle = &domain.Vehicle{
		UserID:      userID,
		Name:        parsed.VehicleName,
		PlateNumber: parsed.PlateNumber,
		ImageSlug:   domain.VehicleImageSlug(parsed.VehicleName),
	}
	if err := s.repo.UpsertVehicle(ctx, vehicle); err != nil {
		return nil, fmt.Errorf("create vehicle: %w", err)
	}
	return vehicle, nil
}

// HandleStreamMessage adapts Process for the live-event callback, where
// errors can only be logged.
func (s *Service) HandleStreamMessage(userID int64) func(stream.Message) {
	return func(msg stream.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := s.Process(ctx, userID, msg); err != nil {
			s.log.Error("live message ingestion failed",
				zap.Int64("userID", userID), zap.Error(err))
		}
	}
}
