package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
)

func openTestRepo(t *testing.T) *SQLiteRepo {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedUser(t *testing.T, repo *SQLiteRepo, telegramID int64) *domain.User {
	t.Helper()
	u := &domain.User{TelegramID: telegramID, Username: "tester", FirstName: "Test"}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedVehicle(t *testing.T, repo *SQLiteRepo, userID int64, name, plate string) *domain.Vehicle {
	t.Helper()
	v := &domain.Vehicle{UserID: userID, Name: name, PlateNumber: plate}
	if err := repo.UpsertVehicle(context.Background(), v); err != nil {
		t.Fatalf("upsert vehicle: %v", err)
	}
	return v
}

func seedRental(t *testing.T, repo *SQLiteRepo, userID, vehicleID, msgID int64, rented time.Time, hours float64, price int64) *domain.Rental {
	t.Helper()
	rt := &domain.Rental{
		UserID:          userID,
		VehicleID:       vehicleID,
		Server:          "Нью-Йорк",
		Price:           price,
		DurationHours:   hours,
		RentedAt:        rented,
		ExpiresAt:       rented.Add(time.Duration(hours * float64(time.Hour))),
		SourceMessageID: msgID,
	}
	inserted, err := repo.InsertRental(context.Background(), rt)
	if err != nil {
		t.Fatalf("insert rental: %v", err)
	}
	if !inserted {
		t.Fatalf("rental %d not inserted", msgID)
	}
	return rt
}

func TestUsers_CreateAndLookup(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)

	byID, err := repo.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.TelegramID != 100 || byID.Username != "tester" {
		t.Fatalf("got %+v", byID)
	}

	byTg, err := repo.GetUserByTelegramID(ctx, 100)
	if err != nil || byTg.ID != u.ID {
		t.Fatalf("get by telegram id: %+v, %v", byTg, err)
	}

	if _, err := repo.GetUserByTelegramID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUsers_SessionLifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)

	if err := repo.SetUserSession(ctx, u.ID, "iv:tag:data"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	got, _ := repo.GetUserByID(ctx, u.ID)
	if !got.IsConnected || got.Session != "iv:tag:data" {
		t.Fatalf("after set: %+v", got)
	}

	connected, err := repo.ListConnectedUsers(ctx)
	if err != nil || len(connected) != 1 {
		t.Fatalf("connected users: %v, %v", connected, err)
	}

	if err := repo.ClearUserSession(ctx, u.ID); err != nil {
		t.Fatalf("clear session: %v", err)
	}
	got, _ = repo.GetUserByID(ctx, u.ID)
	if got.IsConnected || got.Session != "" {
		t.Fatalf("after clear: %+v", got)
	}
}

func TestUsers_CheckpointMonotonic(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)

	if err := repo.SetScanCheckpoint(ctx, u.ID, 500); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}
	// A lower value must not win.
	if err := repo.SetScanCheckpoint(ctx, u.ID, 300); err != nil {
		t.Fatalf("set checkpoint: %v", err)
	}
	got, _ := repo.GetUserByID(ctx, u.ID)
	if got.LastScannedID != 500 {
		t.Fatalf("checkpoint must be monotonic, got %d", got.LastScannedID)
	}

	if err := repo.ResetScanCheckpoint(ctx, u.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = repo.GetUserByID(ctx, u.ID)
	if got.LastScannedID != 0 {
		t.Fatalf("after reset: %d", got.LastScannedID)
	}
}

func TestVehicles_UpsertKeepsIdentity(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)

	v1 := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	v2 := &domain.Vehicle{UserID: u.ID, Name: "Karin Futo", PlateNumber: "BB222BB", ImageSlug: "futo"}
	if err := repo.UpsertVehicle(ctx, v2); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if v2.ID != v1.ID {
		t.Fatalf("same (user, name) must keep one row: %d vs %d", v1.ID, v2.ID)
	}

	got, err := repo.GetVehicleByPlate(ctx, u.ID, "BB222BB")
	if err != nil {
		t.Fatalf("get by new plate: %v", err)
	}
	if got.ImageSlug != "futo" {
		t.Fatalf("image slug must be filled: %+v", got)
	}
}

func TestVehicles_ImageBackfill(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")

	missing, err := repo.ListVehiclesWithoutImage(ctx, u.ID)
	if err != nil || len(missing) != 1 {
		t.Fatalf("missing images: %v, %v", missing, err)
	}

	if err := repo.SetVehicleImage(ctx, v.ID, "futo"); err != nil {
		t.Fatalf("set image: %v", err)
	}
	missing, err = repo.ListVehiclesWithoutImage(ctx, u.ID)
	if err != nil || len(missing) != 0 {
		t.Fatalf("after backfill: %v, %v", missing, err)
	}
}

func TestRentals_DedupKey(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	now := time.Now().UTC().Truncate(time.Second)

	seedRental(t, repo, u.ID, v.ID, 500, now, 24, 1500)

	dup := &domain.Rental{
		UserID: u.ID, VehicleID: v.ID, Server: "Нью-Йорк",
		Price: 9999, DurationHours: 1,
		RentedAt: now, ExpiresAt: now.Add(time.Hour),
		SourceMessageID: 500,
	}
	inserted, err := repo.InsertRental(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert must not error: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert must report inserted=false")
	}

	// A different user may reuse the same source message id.
	other := seedUser(t, repo, 200)
	ov := seedVehicle(t, repo, other.ID, "Karin Futo", "CC333CC")
	seedRental(t, repo, other.ID, ov.ID, 500, now, 1, 100)
}

func TestRentals_PendingAlertsOrdered(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	now := time.Now().UTC().Truncate(time.Second)

	late := seedRental(t, repo, u.ID, v.ID, 1, now, 4, 100)
	early := seedRental(t, repo, u.ID, v.ID, 2, now, 2, 100)
	past := seedRental(t, repo, u.ID, v.ID, 3, now.Add(-48*time.Hour), 1, 100)
	notified := seedRental(t, repo, u.ID, v.ID, 4, now, 3, 100)
	if err := repo.MarkRentalNotified(ctx, notified.ID); err != nil {
		t.Fatalf("mark notified: %v", err)
	}

	pending, err := repo.ListPendingAlerts(ctx, now)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("want 2 pending, got %d", len(pending))
	}
	if pending[0].RentalID != early.ID || pending[1].RentalID != late.ID {
		t.Fatalf("want ascending expiry [%d %d], got [%d %d]",
			early.ID, late.ID, pending[0].RentalID, pending[1].RentalID)
	}
	if pending[0].ChatID != 100 || pending[0].VehicleName != "Karin Futo" {
		t.Fatalf("join fields: %+v", pending[0])
	}
	_ = past
}

func TestRentals_ListFiltersAndPaginates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v1 := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	v2 := seedVehicle(t, repo, u.ID, "Truffade Adder", "BB222BB")
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(0); i < 5; i++ {
		seedRental(t, repo, u.ID, v1.ID, 10+i, base.Add(time.Duration(i)*time.Hour), 1, 100)
	}
	seedRental(t, repo, u.ID, v2.ID, 20, base.Add(10*time.Hour), 1, 500)

	rows, total, err := repo.ListRentals(ctx, RentalFilter{UserID: u.ID, Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 6 || len(rows) != 3 {
		t.Fatalf("total=%d len=%d", total, len(rows))
	}
	// Newest first.
	if rows[0].Rental.SourceMessageID != 20 {
		t.Fatalf("order: got %d first", rows[0].Rental.SourceMessageID)
	}

	rows, total, err = repo.ListRentals(ctx, RentalFilter{UserID: u.ID, VehicleID: v2.ID})
	if err != nil || total != 1 || len(rows) != 1 {
		t.Fatalf("vehicle filter: total=%d len=%d err=%v", total, len(rows), err)
	}
	if rows[0].VehicleName != "Truffade Adder" {
		t.Fatalf("join: %+v", rows[0])
	}

	from := base.Add(3 * time.Hour)
	rows, total, err = repo.ListRentals(ctx, RentalFilter{UserID: u.ID, From: &from})
	if err != nil || total != 3 {
		t.Fatalf("from filter: total=%d err=%v", total, err)
	}

	// Second page.
	rows, _, err = repo.ListRentals(ctx, RentalFilter{UserID: u.ID, Limit: 4, Page: 2})
	if err != nil || len(rows) != 2 {
		t.Fatalf("page 2: len=%d err=%v", len(rows), err)
	}
}

func TestRentals_Stats(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	now := time.Now().UTC().Truncate(time.Second)

	seedRental(t, repo, u.ID, v.ID, 1, now, 2, 300)                    // active
	seedRental(t, repo, u.ID, v.ID, 2, now.Add(-time.Hour*48), 1, 200) // expired

	stats, err := repo.GetRentalStats(ctx, u.ID, now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRentals != 2 || stats.TotalRevenue != 500 || stats.ActiveRentals != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	vs, err := repo.ListVehicleStats(ctx, u.ID)
	if err != nil || len(vs) != 1 {
		t.Fatalf("vehicle stats: %v, %v", vs, err)
	}
	if vs[0].RentalCount != 2 || vs[0].Revenue != 500 {
		t.Fatalf("vehicle stats: %+v", vs[0])
	}
}

func TestRentals_Delete(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	rt := seedRental(t, repo, u.ID, v.ID, 1, time.Now().UTC(), 1, 100)

	// Another user cannot delete it.
	deleted, err := repo.DeleteRental(ctx, u.ID+1, rt.ID)
	if err != nil || deleted {
		t.Fatalf("foreign delete: %v, %v", deleted, err)
	}

	deleted, err = repo.DeleteRental(ctx, u.ID, rt.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: %v, %v", deleted, err)
	}
	if _, err := repo.GetRental(ctx, rt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDeliveryLog_Append(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	u := seedUser(t, repo, 100)
	v := seedVehicle(t, repo, u.ID, "Karin Futo", "AA111AA")
	rt := seedRental(t, repo, u.ID, v.ID, 1, time.Now().UTC(), 1, 100)

	e := &domain.DeliveryLogEntry{RentalID: rt.ID, UserID: u.ID, Success: false, ErrorMsg: "blocked"}
	if err := repo.AppendDeliveryLog(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ID == 0 {
		t.Fatal("entry id must be filled")
	}
}
