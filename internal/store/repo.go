package store

import (
	"context"
	"errors"
	"time"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// PendingAlert is a not-yet-notified rental joined with its vehicle and owner,
// used to seed the notification scheduler after a restart.
type PendingAlert struct {
	RentalID    int64
	ChatID      int64 // owner's Telegram id, the alert destination
	VehicleName string
	PlateNumber string
	ExpiresAt   time.Time
}

// RentalFilter narrows and paginates rental history queries.
type RentalFilter struct {
	UserID    int64
	From      *time.Time
	To        *time.Time
	VehicleID int64 // 0 = any
	Server    string
	Page      int
	Limit     int
}

// RentalRow is one rental joined with its vehicle, as served by the query API.
type RentalRow struct {
	Rental      domain.Rental
	VehicleName string
	PlateNumber string
	ImageSlug   string
}

// VehicleStats aggregates one vehicle's rental history.
type VehicleStats struct {
	Vehicle     domain.Vehicle
	RentalCount int64
	Revenue     int64
}

// RentalStats aggregates a user's whole rental history.
type RentalStats struct {
	TotalRentals  int64
	TotalRevenue  int64
	ActiveRentals int64
}

// Repo defines storage operations for users, vehicles, rentals and the
// notification delivery log.
type Repo interface {
	// Users.
	CreateUser(ctx context.Context, u *domain.User) error
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error)
	ListConnectedUsers(ctx context.Context) ([]domain.User, error)
	SetUserSession(ctx context.Context, userID int64, encryptedSession string) error
	ClearUserSession(ctx context.Context, userID int64) error
	SetConnected(ctx context.Context, userID int64, connected bool) error
	SetScanCheckpoint(ctx context.Context, userID, messageID int64) error
	ResetScanCheckpoint(ctx context.Context, userID int64) error

	// Vehicles.
	GetVehicleByPlate(ctx context.Context, userID int64, plate string) (*domain.Vehicle, error)
	GetVehicleByID(ctx context.Context, id int64) (*domain.Vehicle, error)
	UpsertVehicle(ctx context.Context, v *domain.Vehicle) error
	ListVehiclesWithoutImage(ctx context.Context, userID int64) ([]domain.Vehicle, error)
	SetVehicleImage(ctx context.Context, vehicleID int64, slug string) error
	ListVehicleStats(ctx context.Context, userID int64) ([]VehicleStats, error)

	// Rentals. InsertRental reports inserted=false when the dedup key
	// (user_id, source_message_id) already exists.
	InsertRental(ctx context.Context, r *domain.Rental) (inserted bool, err error)
	GetRental(ctx context.Context, id int64) (*domain.Rental, error)
	DeleteRental(ctx context.Context, userID, rentalID int64) (bool, error)
	MarkRentalNotified(ctx context.Context, rentalID int64) error
	ListPendingAlerts(ctx context.Context, now time.Time) ([]PendingAlert, error)
	ListRentals(ctx context.Context, f RentalFilter) ([]RentalRow, int64, error)
	GetRentalStats(ctx context.Context, userID int64, now time.Time) (*RentalStats, error)

	// Delivery log.
	AppendDeliveryLog(ctx context.Context, e *domain.DeliveryLogEntry) error

	Close() error
}
