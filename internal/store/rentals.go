package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
)

const rentalColumns = `id, user_id, vehicle_id, server, character_name, character_id,
       price, duration_hours, renter_name, rented_at, expires_at,
       notification_sent, source_message_id, created_at`

func scanRental(row interface{ Scan(...any) error }) (*domain.Rental, error) {
	var (
		rt       domain.Rental
		charName sql.NullString
		charID   sql.NullString
		renter   sql.NullString
		rented   int64
		expires  int64
		notified int
		created  int64
	)
	if err := row.Scan(
		&rt.ID, &rt.UserID, &rt.VehicleID, &rt.Server, &charName, &charID,
		&rt.Price, &rt.DurationHours, &renter, &rented, &expires,
		&notified, &rt.SourceMessageID, &created,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rt.CharacterName = fromNullString(charName)
	rt.CharacterID = fromNullString(charID)
	rt.RenterName = fromNullString(renter)
	rt.RentedAt = fromUnix(rented)
	rt.ExpiresAt = fromUnix(expires)
	rt.NotificationSent = notified != 0
	rt.CreatedAt = fromUnix(created)
	return &rt, nil
}

// InsertRental inserts a rental guarded by the (user_id, source_message_id)
// dedup key. A conflicting insert is not an error: it reports inserted=false,
// meaning the event was already ingested by the live stream or a backfill.
func (r *SQLiteRepo) InsertRental(ctx context.Context, rt *domain.Rental) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO rentals (
			user_id, vehicle_id, server, character_name, character_id,
			price, duration_hours, renter_name, rented_at, expires_at,
			notification_sent, source_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, source_message_id) DO NOTHING`,
		rt.UserID, rt.VehicleID, rt.Server,
		toNullString(rt.CharacterName), toNullString(rt.CharacterID),
		rt.Price, rt.DurationHours, toNullString(rt.RenterName),
		rt.RentedAt.UTC().Unix(), rt.ExpiresAt.UTC().Unix(),
		boolToInt(rt.NotificationSent), rt.SourceMessageID,
		unixOrNow(rt.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	rt.ID = id
	return true, nil
}

// GetRental returns a rental by id or ErrNotFound.
func (r *SQLiteRepo) GetRental(ctx context.Context, id int64) (*domain.Rental, error) {
	return scanRental(r.db.QueryRowContext(ctx,
		`SELECT `+rentalColumns+` FROM rentals WHERE id = ?`, id))
}

// DeleteRental removes a user's rental and reports whether a row was deleted.
func (r *SQLiteRepo) DeleteRental(ctx context.Context, userID, rentalID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rentals WHERE id = ? AND user_id = ?`, rentalID, userID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// MarkRentalNotified flips the notification flag. The flag never goes back.
func (r *SQLiteRepo) MarkRentalNotified(ctx context.Context, rentalID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rentals SET notification_sent = 1 WHERE id = ?`, rentalID)
	return err
}

// ListPendingAlerts returns every not-yet-notified rental that still expires
// in the future, across all users, ascending by expiry. Used to rebuild the
// scheduler queue at startup.
func (r *SQLiteRepo) ListPendingAlerts(ctx context.Context, now time.Time) ([]PendingAlert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rt.id, u.telegram_id, v.name, COALESCE(v.plate_number, ''), rt.expires_at
		FROM rentals rt
		JOIN vehicles v ON v.id = rt.vehicle_id
		JOIN users u ON u.id = rt.user_id
		WHERE rt.notification_sent = 0 AND rt.expires_at > ?
		ORDER BY rt.expires_at ASC`,
		now.UTC().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []PendingAlert
	for rows.Next() {
		var (
			a       PendingAlert
			expires int64
		)
		if err := rows.Scan(&a.RentalID, &a.ChatID, &a.VehicleName, &a.PlateNumber, &expires); err != nil {
			return nil, err
		}
		a.ExpiresAt = fromUnix(expires)
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListRentals returns one page of a user's rental history, newest first,
// along with the unpaginated total.
func (r *SQLiteRepo) ListRentals(ctx context.Context, f RentalFilter) ([]RentalRow, int64, error) {
	where := []string{"rt.user_id = ?"}
	args := []any{f.UserID}
	if f.From != nil {
		where = append(where, "rt.rented_at >= ?")
		args = append(args, f.From.UTC().Unix())
	}
	if f.To != nil {
		where = append(where, "rt.rented_at <= ?")
		args = append(args, f.To.UTC().Unix())
	}
	if f.VehicleID != 0 {
		where = append(where, "rt.vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.Server != "" {
		where = append(where, "rt.server = ?")
		args = append(args, f.Server)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rentals rt WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT rt.id, rt.user_id, rt.vehicle_id, rt.server, rt.character_name, rt.character_id,
		       rt.price, rt.duration_hours, rt.renter_name, rt.rented_at, rt.expires_at,
		       rt.notification_sent, rt.source_message_id, rt.created_at,
		       v.name, COALESCE(v.plate_number, ''), COALESCE(v.image_slug, '')
		FROM rentals rt
		JOIN vehicles v ON v.id = rt.vehicle_id
		WHERE `+cond+`
		ORDER BY rt.rented_at DESC
		LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []RentalRow
	for rows.Next() {
		var (
			row      RentalRow
			charName sql.NullString
			charID   sql.NullString
			renter   sql.NullString
			rented   int64
			expires  int64
			notified int
			created  int64
		)
		if err := rows.Scan(
			&row.Rental.ID, &row.Rental.UserID, &row.Rental.VehicleID, &row.Rental.Server,
			&charName, &charID, &row.Rental.Price, &row.Rental.DurationHours, &renter,
			&rented, &expires, &notified, &row.Rental.SourceMessageID, &created,
			&row.VehicleName, &row.PlateNumber, &row.ImageSlug,
		); err != nil {
			return nil, 0, err
		}
		row.Rental.CharacterName = fromNullString(charName)
		row.Rental.CharacterID = fromNullString(charID)
		row.Rental.RenterName = fromNullString(renter)
		row.Rental.RentedAt = fromUnix(rented)
		row.Rental.ExpiresAt = fromUnix(expires)
		row.Rental.NotificationSent = notified != 0
		row.Rental.CreatedAt = fromUnix(created)
		res = append(res, row)
	}
	return res, total, rows.Err()
}

// GetRentalStats aggregates a user's rental totals for /status and the API.
func (r *SQLiteRepo) GetRentalStats(ctx context.Context, userID int64, now time.Time) (*RentalStats, error) {
	var s RentalStats
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(price), 0)
		FROM rentals WHERE user_id = ?`,
		userID).Scan(&s.TotalRentals, &s.TotalRevenue); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM rentals
		WHERE user_id = ? AND expires_at > ? AND notification_sent = 0`,
		userID, now.UTC().Unix()).Scan(&s.ActiveRentals); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppendDeliveryLog records one notification attempt. Entries are never
// updated or deleted.
func (r *SQLiteRepo) AppendDeliveryLog(ctx context.Context, e *domain.DeliveryLogEntry) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_log (rental_id, user_id, sent_at, success, error_msg)
		VALUES (?, ?, ?, ?, ?)`,
		e.RentalID, e.UserID, unixOrNow(e.SentAt), boolToInt(e.Success),
		toNullString(e.ErrorMsg),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}
