// Package scanner backfills rental events from message history. A scan is
// resumable: progress is checkpointed in batches, so a crash or a rate limit
// costs at most one batch of rework.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/ingest"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
	"github.com/kirillonishuk/majestic-rent-bot/internal/userbot"
)

const (
	checkpointBatch = 500
	progressEvery   = 30 * time.Second
)

var (
	ErrScanInProgress = errors.New("scanner: scan already in progress")
	ErrNotConnected   = errors.New("scanner: user not connected")
)

// Stats are the counters for one scan, reported to the user on completion.
type Stats struct {
	Processed int64 // messages examined
	Found     int64 // rental-trigger messages
	Inserted  int64 // new rentals persisted
	ParseFail int64 // trigger messages that failed field extraction
}

// Progress posts and edits the user-facing progress message. Implementations
// must fall back to sending a new message when an edit fails; the returned id
// is the one to keep editing.
type Progress interface {
	Send(chatID int64, text string) (messageID int, err error)
	Edit(chatID int64, messageID int, text string) (int, error)
}

// Scanner runs at most one history scan per user at a time.
type Scanner struct {
	repo     store.Repo
	registry *userbot.Registry
	ingest   *ingest.Service
	progress Progress
	log      *zap.Logger

	mu     sync.Mutex
	active map[int64]bool
}

func New(repo store.Repo, registry *userbot.Registry, ing *ingest.Service, progress Progress, log *zap.Logger) *Scanner {
	return &Scanner{
		repo:     repo,
		registry: registry,
		ingest:   ing,
		progress: progress,
		log:      log,
		active:   make(map[int64]bool),
	}
}

// IsScanning reports whether a scan is in flight for the user.
func (s *Scanner) IsScanning(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[userID]
}

func (s *Scanner) begin(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[userID] {
		return ErrScanInProgress
	}
	s.active[userID] = true
	return nil
}

func (s *Scanner) end(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, userID)
}

// Scan walks the user's source-account history from the last checkpoint (or
// from the start when full is set), feeds rental messages to ingestion, and
// checkpoints progress every checkpointBatch messages. A rate-limit signal
// sleeps the server-mandated wait and resumes from the latest checkpoint; any
// other error aborts with the checkpoint preserved so a retry resumes.
func (s *Scanner) Scan(ctx context.Context, userID int64, full bool) (*Stats, error) {
	if err := s.begin(userID); err != nil {
		return nil, err
	}
	defer s.end(userID)

	client, ok := s.registry.Get(userID)
	if !ok || !client.IsConnected() {
		return nil, ErrNotConnected
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	checkpoint := user.LastScannedID
	if full {
		if err := s.repo.ResetScanCheckpoint(ctx, userID); err != nil {
			return nil, fmt.Errorf("reset checkpoint: %w", err)
		}
		checkpoint = 0
	}

	intro := "Запускаю полный скан истории. Это может занять несколько минут..."
	if checkpoint > 0 {
		intro = "Проверяю пропущенные сообщения..."
	}
	progressID := s.report(user.TelegramID, 0, intro)

	stats := &Stats{}
	highest := checkpoint
	sinceCheckpoint := 0
	lastProgress := time.Now()

	handle := func(msg stream.Message) error {
		stats.Processed++
		if msg.ID > highest {
			highest = msg.ID
		}

		res, err := s.ingest.Process(ctx, userID, msg)
		if err != nil {
			return err
		}
		if res.Matched {
			stats.Found++
		}
		if res.Matched && !res.Parsed {
			stats.ParseFail++
		}
		if res.Inserted {
			stats.Inserted++
		}

		sinceCheckpoint++
		if sinceCheckpoint >= checkpointBatch {
			sinceCheckpoint = 0
			if err := s.persistCheckpoint(ctx, userID, highest, checkpoint); err != nil {
				return err
			}
			checkpoint = highest
		}

		if time.Since(lastProgress) > progressEvery {
			lastProgress = time.Now()
			progressID = s.report(user.TelegramID, progressID, fmt.Sprintf(
				"Сканирование... %d сообщений проверено, %d новых аренд найдено",
				stats.Processed, stats.Inserted))
		}
		return nil
	}

	// Rate-limit recovery is this loop: wait, then resume from the latest
	// checkpoint rather than the original start.
	for {
		err := client.History(ctx, checkpoint, handle)
		if err == nil {
			break
		}
		if wait, ok := stream.AsFloodWait(err); ok {
			if cpErr := s.persistCheckpoint(ctx, userID, highest, checkpoint); cpErr != nil {
				return stats, cpErr
			}
			checkpoint = highest
			s.log.Warn("flood wait during scan",
				zap.Int64("userID", userID), zap.Duration("wait", wait))
			progressID = s.report(user.TelegramID, progressID, fmt.Sprintf(
				"Telegram ограничил скорость. Ожидание %d секунд...", int(wait.Seconds())))
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if cpErr := s.persistCheckpoint(ctx, userID, highest, checkpoint); cpErr != nil {
			s.log.Error("checkpoint persist failed", zap.Int64("userID", userID), zap.Error(cpErr))
		}
		s.report(user.TelegramID, 0, fmt.Sprintf(
			"Скан прерван. Импортировано %d аренд до ошибки. Используйте /scan для продолжения.",
			stats.Inserted))
		s.log.Error("history scan failed", zap.Int64("userID", userID), zap.Error(err))
		return stats, err
	}

	if err := s.persistCheckpoint(ctx, userID, highest, checkpoint); err != nil {
		return stats, err
	}

	s.backfillImages(ctx, userID)

	s.report(user.TelegramID, progressID, fmt.Sprintf(
		"Скан завершён!\n\nСообщений проверено: %d\nАренд найдено: %d\nНовых импортировано: %d\nДубликатов пропущено: %d",
		stats.Processed, stats.Found, stats.Inserted, stats.Found-stats.Inserted-stats.ParseFail))

	s.log.Info("history scan completed",
		zap.Int64("userID", userID),
		zap.Int64("processed", stats.Processed),
		zap.Int64("found", stats.Found),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("parseFailures", stats.ParseFail),
	)
	return stats, nil
}

func (s *Scanner) persistCheckpoint(ctx context.Context, userID, highest, current int64) error {
	if highest <= current {
		return nil
	}
	if err := s.repo.SetScanCheckpoint(ctx, userID, highest); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// backfillImages resolves image slugs for vehicles that still lack one.
// Best effort: a failure here never fails the scan.
func (s *Scanner) backfillImages(ctx context.Context, userID int64) {
	vehicles, err := s.repo.ListVehiclesWithoutImage(ctx, userID)
	if err != nil {
		s.log.Warn("image backfill query failed", zap.Int64("userID", userID), zap.Error(err))
		return
	}
	for _, v := range vehicles {
		slug := domain.VehicleImageSlug(v.Name)
		if slug == "" {
			continue
		}
		if err := s.repo.SetVehicleImage(ctx, v.ID, slug); err != nil {
			s.log.Warn("image backfill update failed",
				zap.Int64("vehicleID", v.ID), zap.Error(err))
		}
	}
}

// report sends or edits the coalesced progress message and returns the id to
// keep editing. Progress delivery is best effort.
func (s *Scanner) report(chatID int64, messageID int, text string) int {
	if s.progress == nil {
		return messageID
	}
	var (
		id  int
		err error
	)
	if messageID == 0 {
		id, err = s.progress.Send(chatID, text)
	} else {
		id, err = s.progress.Edit(chatID, messageID, text)
	}
	if err != nil {
		s.log.Warn("failed to report scan progress", zap.Int64("chatID", chatID), zap.Error(err))
		return messageID
	}
	return id
}
