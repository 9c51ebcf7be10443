package domain

import "time"

// User is the owner identity in Telegram. A user is created on first /start
// and never deleted; the userbot credential and the scan checkpoint live here.
type User struct {
	ID            int64
	TelegramID    int64
	Username      string
	FirstName     string
	Session       string // encrypted MTProto session, empty when disconnected
	IsConnected   bool
	LastScannedID int64 // highest history message id fully processed, 0 = never scanned
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Vehicle is one of a user's cars, created lazily on the first rental sighting.
// (UserID, Name) is unique; ImageSlug may be back-filled after creation.
type Vehicle struct {
	ID          int64
	UserID      int64
	Name        string
	PlateNumber string
	ImageSlug   string
	CreatedAt   time.Time
}

// Rental is a single time-boxed lease parsed from a source-bot notification.
// (UserID, SourceMessageID) is unique and is the sole deduplication key: the
// live stream and a backfill scan may both try to insert the same event, and
// exactly one insert wins.
type Rental struct {
	ID               int64
	UserID           int64
	VehicleID        int64
	Server           string
	CharacterName    string
	CharacterID      string
	Price            int64
	DurationHours    float64
	RenterName       string
	RentedAt         time.Time
	ExpiresAt        time.Time
	NotificationSent bool
	SourceMessageID  int64
	CreatedAt        time.Time
}

// Expired reports whether the rental has already run out at the given instant.
func (r *Rental) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// DeliveryLogEntry is an append-only record of one expiry-alert attempt.
type DeliveryLogEntry struct {
	ID       int64
	RentalID int64
	UserID   int64
	SentAt   time.Time
	Success  bool
	ErrorMsg string
}

// ParsedRental is the result of parsing one source-bot message.
type ParsedRental struct {
	Server        string
	CharacterName string
	CharacterID   string
	VehicleName   string
	PlateNumber   string
	Price         int64
	DurationHours float64
	RenterName    string
}
