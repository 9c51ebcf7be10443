// Package scheduler delivers vehicle-rental expiry alerts. It keeps a single
// process-wide queue ordered ascending by expiry, seeded from the store at
// startup and serviced by a periodic tick.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
)

// Sender is the minimal outbound-messaging surface the scheduler needs.
// telegram.Router implements it.
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// Item is one armed expiry alert.
type Item struct {
	RentalID    int64
	ChatID      int64
	VehicleName string
	PlateNumber string
	ExpiresAt   time.Time
}

// Scheduler fires expiry alerts in ascending expiry order.
type Scheduler struct {
	repo     store.Repo
	log      *zap.Logger
	sender   Sender
	interval time.Duration

	mu    sync.Mutex
	queue []Item // ascending by ExpiresAt
}

// New creates a Scheduler with the default 30s tick. The sender may be nil at
// construction when the outbound surface does not exist yet; attach it with
// SetSender before Run.
func New(repo store.Repo, log *zap.Logger, sender Sender) *Scheduler {
	return &Scheduler{
		repo:     repo,
		log:      log,
		sender:   sender,
		interval: 30 * time.Second,
	}
}

// SetSender attaches the outbound-messaging surface.
func (s *Scheduler) SetSender(sender Sender) {
	s.sender = sender
}

// Initialize seeds the queue with every not-yet-notified rental whose expiry
// is still in the future. This is how pending alerts survive a restart.
func (s *Scheduler) Initialize(ctx context.Context) error {
	pending, err := s.repo.ListPendingAlerts(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("load pending alerts: %w", err)
	}

	s.mu.Lock()
	s.queue = s.queue[:0]
	for _, a := range pending {
		s.queue = append(s.queue, Item{
			RentalID:    a.RentalID,
			ChatID:      a.ChatID,
			VehicleName: a.VehicleName,
			PlateNumber: a.PlateNumber,
			ExpiresAt:   a.ExpiresAt,
		})
	}
	count := len(s.queue)
	s.mu.Unlock()

	s.log.Info("notification scheduler initialized", zap.Int("pending", count))
	return nil
}

// Schedule inserts an item keeping the queue ordered by expiry.
func (s *Scheduler) Schedule(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].ExpiresAt.After(item.ExpiresAt)
	})
	s.queue = append(s.queue, Item{})
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = item
}

// Cancel removes a queued alert before it fires. It reports whether the
// rental was queued.
func (s *Scheduler) Cancel(rentalID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.queue {
		if item.RentalID == rentalID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.log.Info("notification cancelled", zap.Int64("rentalID", rentalID))
			return true
		}
	}
	return false
}

// Pending returns the number of queued alerts.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run services the queue until ctx is canceled. Stopping does not flush
// undelivered items; they are re-seeded from the store on the next start.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick delivers every queue-head item whose expiry has passed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].ExpiresAt.After(now) {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ctx, item)
	}
}

// deliver sends the alert and records the outcome. Ordering is deliberate:
// the rental is marked notified even when the send fails, so one rental gets
// at most one alert attempt; the delivery log carries the failure for
// operator follow-up.
func (s *Scheduler) deliver(ctx context.Context, item Item) {
	text := alertText(item)
	sendErr := s.sender.SendMessage(item.ChatID, text)

	userID := s.ownerID(ctx, item.ChatID)
	if sendErr != nil {
		s.log.Error("alert send failed",
			zap.Int64("rentalID", item.RentalID), zap.Error(sendErr))
	}

	if err := s.repo.MarkRentalNotified(ctx, item.RentalID); err != nil {
		s.log.Error("mark notified failed",
			zap.Int64("rentalID", item.RentalID), zap.Error(err))
	}

	entry := &domain.DeliveryLogEntry{
		RentalID: item.RentalID,
		UserID:   userID,
		SentAt:   time.Now().UTC(),
		Success:  sendErr == nil,
	}
	if sendErr != nil {
		entry.ErrorMsg = sendErr.Error()
	}
	if err := s.repo.AppendDeliveryLog(ctx, entry); err != nil {
		s.log.Error("delivery log append failed",
			zap.Int64("rentalID", item.RentalID), zap.Error(err))
	}

	if sendErr == nil {
		s.log.Info("alert sent",
			zap.Int64("rentalID", item.RentalID), zap.Int64("chatID", item.ChatID))
	}
}

func (s *Scheduler) ownerID(ctx context.Context, chatID int64) int64 {
	u, err := s.repo.GetUserByTelegramID(ctx, chatID)
	if err != nil {
		return 0
	}
	return u.ID
}

func alertText(item Item) string {
	text := "🔔 Аренда истекла!\n\nТранспорт: " + item.VehicleName + "\n"
	if item.PlateNumber != "" {
		text += "Номер: " + item.PlateNumber + "\n"
	}
	text += "\nПора выставить на аренду снова!"
	return text
}
