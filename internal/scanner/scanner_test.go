package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
	"github.com/kirillonishuk/majestic-rent-bot/internal/ingest"
	"github.com/kirillonishuk/majestic-rent-bot/internal/scheduler"
	"github.com/kirillonishuk/majestic-rent-bot/internal/store"
	"github.com/kirillonishuk/majestic-rent-bot/internal/stream"
	"github.com/kirillonishuk/majestic-rent-bot/internal/userbot"
)

type fakeRepo struct {
	store.Repo

	mu         sync.Mutex
	user       *domain.User
	checkpoint int64
	vehicles   []*domain.Vehicle
	rentals    []*domain.Rental
	nextID     int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		user:   &domain.User{ID: 1, TelegramID: 100},
		nextID: 1,
	}
}

func (f *fakeRepo) GetUserByID(_ context.Context, id int64) (*domain.User, error) {
	if id != f.user.ID {
		return nil, store.ErrNotFound
	}
	u := *f.user
	u.LastScannedID = f.checkpointValue()
	return &u, nil
}

func (f *fakeRepo) checkpointValue() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint
}

func (f *fakeRepo) SetScanCheckpoint(_ context.Context, _, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Monotonic, like the real store.
	if messageID > f.checkpoint {
		f.checkpoint = messageID
	}
	return nil
}

func (f *fakeRepo) ResetScanCheckpoint(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = 0
	return nil
}

func (f *fakeRepo) GetVehicleByPlate(_ context.Context, userID int64, plate string) (*domain.Vehicle, error) {
	for _, v := range f.vehicles {
		if v.UserID == userID && v.PlateNumber == plate {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) UpsertVehicle(_ context.Context, v *domain.Vehicle) error {
	v.ID = f.nextID
	f.nextID++
	f.vehicles = append(f.vehicles, v)
	return nil
}

func (f *fakeRepo) InsertRental(_ context.Context, r *domain.Rental) (bool, error) {
	for _, existing := range f.rentals {
		if existing.UserID == r.UserID && existing.SourceMessageID == r.SourceMessageID {
			return false, nil
		}
	}
	r.ID = f.nextID
	f.nextID++
	f.rentals = append(f.rentals, r)
	return true, nil
}

func (f *fakeRepo) ListVehiclesWithoutImage(_ context.Context, _ int64) ([]domain.Vehicle, error) {
	return nil, nil
}

// fakeConn serves a fixed message history. historyErrs are returned by
// successive History calls before the iteration starts.
type fakeConn struct {
	mu          sync.Mutex
	messages    []stream.Message
	historyErrs []error
	minIDs      []int64 // minID of each History call
	block       chan struct{}
}

func (c *fakeConn) SendCode(context.Context, string) (string, error)     { return "", nil }
func (c *fakeConn) SignIn(context.Context, string, string, string) error { return nil }
func (c *fakeConn) CheckPassword(context.Context, string) error          { return nil }
func (c *fakeConn) ExportSession(context.Context) ([]byte, error)        { return nil, nil }
func (c *fakeConn) OnSourceMessage(func(stream.Message))                 {}
func (c *fakeConn) Close() error                                         { return nil }

func (c *fakeConn) History(_ context.Context, minID int64, fn func(stream.Message) error) error {
	c.mu.Lock()
	c.minIDs = append(c.minIDs, minID)
	var headErr error
	if len(c.historyErrs) > 0 {
		headErr = c.historyErrs[0]
		c.historyErrs = c.historyErrs[1:]
	}
	block := c.block
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if headErr != nil {
		return headErr
	}
	for _, m := range c.messages {
		if m.ID <= minID {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func rentalText(plate string) string {
	return "Транспорт сдан в аренду!\n" +
		"Сервер: Нью-Йорк\n" +
		"Транспорт: Karin Futo\n" +
		"Номер транспорта: " + plate + "\n" +
		"Цена: $500\n" +
		"Длительность: 1 час\n"
}

func newScanner(t *testing.T, repo *fakeRepo, conn *fakeConn) *Scanner {
	t.Helper()
	log := zap.NewNop()
	sched := scheduler.New(repo, log, nil)
	ing := ingest.New(repo, sched, log)

	registry := userbot.NewRegistry(repo, nil, nil,
		func(int64) func(stream.Message) { return func(stream.Message) {} }, log)
	registry.AdoptConn(1, conn)

	return New(repo, registry, ing, nil, log)
}

func TestScan_ProcessesAndCheckpoints(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	conn := &fakeConn{messages: []stream.Message{
		{ID: 10, Text: "Добро пожаловать!", Date: now},
		{ID: 11, Text: rentalText("AA111AA"), Date: now},
		{ID: 12, Text: rentalText("BB222BB"), Date: now},
	}}
	s := newScanner(t, repo, conn)

	stats, err := s.Scan(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.Processed != 3 || stats.Found != 2 || stats.Inserted != 2 {
		t.Fatalf("stats: %+v", stats)
	}
	if got := repo.checkpointValue(); got != 12 {
		t.Fatalf("checkpoint: want 12, got %d", got)
	}
}

func TestScan_ResumesFromCheckpoint(t *testing.T) {
	repo := newFakeRepo()
	repo.checkpoint = 11
	now := time.Now()
	conn := &fakeConn{messages: []stream.Message{
		{ID: 10, Text: rentalText("AA111AA"), Date: now},
		{ID: 11, Text: rentalText("BB222BB"), Date: now},
		{ID: 12, Text: rentalText("CC333CC"), Date: now},
	}}
	s := newScanner(t, repo, conn)

	stats, err := s.Scan(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(conn.minIDs) != 1 || conn.minIDs[0] != 11 {
		t.Fatalf("history must start from the checkpoint, minIDs=%v", conn.minIDs)
	}
	if stats.Processed != 1 || stats.Inserted != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestScan_FullResetsCheckpoint(t *testing.T) {
	repo := newFakeRepo()
	repo.checkpoint = 11
	now := time.Now()
	conn := &fakeConn{messages: []stream.Message{
		{ID: 10, Text: rentalText("AA111AA"), Date: now},
		{ID: 11, Text: rentalText("BB222BB"), Date: now},
	}}
	s := newScanner(t, repo, conn)

	stats, err := s.Scan(context.Background(), 1, true)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if conn.minIDs[0] != 0 {
		t.Fatalf("full scan must start from zero, got %d", conn.minIDs[0])
	}
	if stats.Processed != 2 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestScan_FloodWaitResumes(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	conn := &fakeConn{
		messages:    []stream.Message{{ID: 10, Text: rentalText("AA111AA"), Date: now}},
		historyErrs: []error{&stream.FloodWaitError{Wait: time.Millisecond}},
	}
	s := newScanner(t, repo, conn)

	stats, err := s.Scan(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("scan must survive a flood wait: %v", err)
	}
	if len(conn.minIDs) != 2 {
		t.Fatalf("want a retry after the wait, got %d calls", len(conn.minIDs))
	}
	if stats.Inserted != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestScan_ErrorPreservesCheckpoint(t *testing.T) {
	repo := newFakeRepo()
	repo.checkpoint = 5
	conn := &fakeConn{historyErrs: []error{errors.New("connection reset")}}
	s := newScanner(t, repo, conn)

	if _, err := s.Scan(context.Background(), 1, false); err == nil {
		t.Fatal("expected scan error")
	}
	if got := repo.checkpointValue(); got != 5 {
		t.Fatalf("checkpoint must survive the failure, got %d", got)
	}
	if s.IsScanning(1) {
		t.Fatal("scan slot must be released after a failure")
	}
}

func TestScan_SingleFlight(t *testing.T) {
	repo := newFakeRepo()
	block := make(chan struct{})
	conn := &fakeConn{block: block}
	s := newScanner(t, repo, conn)

	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(context.Background(), 1, false)
		done <- err
	}()

	deadline := time.After(2 * time.Second)
	for !s.IsScanning(1) {
		select {
		case <-deadline:
			t.Fatal("first scan never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := s.Scan(context.Background(), 1, false); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("want ErrScanInProgress, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if s.IsScanning(1) {
		t.Fatal("scan slot must be released")
	}
}

func TestScan_NotConnected(t *testing.T) {
	repo := newFakeRepo()
	log := zap.NewNop()
	registry := userbot.NewRegistry(repo, nil, nil,
		func(int64) func(stream.Message) { return func(stream.Message) {} }, log)
	s := New(repo, registry, ingest.New(repo, scheduler.New(repo, log, nil), log), nil, log)

	if _, err := s.Scan(context.Background(), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}
