package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
)

const userColumns = `id, telegram_id, telegram_username, telegram_first_name,
       mtproto_session, is_connected, last_scanned_message_id, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u         domain.User
		username  sql.NullString
		firstName sql.NullString
		session   sql.NullString
		connected int
		scanned   sql.NullInt64
		created   int64
		updated   int64
	)
	if err := row.Scan(
		&u.ID, &u.TelegramID, &username, &firstName,
		&session, &connected, &scanned, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Username = fromNullString(username)
	u.FirstName = fromNullString(firstName)
	u.Session = fromNullString(session)
	u.IsConnected = connected != 0
	u.LastScannedID = fromNullInt64(scanned)
	u.CreatedAt = fromUnix(created)
	u.UpdatedAt = fromUnix(updated)
	return &u, nil
}

// CreateUser inserts a new user row and fills in its id.
func (r *SQLiteRepo) CreateUser(ctx context.Context, u *domain.User) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (telegram_id, telegram_username, telegram_first_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.TelegramID, toNullString(u.Username), toNullString(u.FirstName),
		unixOrNow(u.CreatedAt), now.Unix(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

// GetUserByID returns a user by internal id or ErrNotFound.
func (r *SQLiteRepo) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByTelegramID returns a user by Telegram id or ErrNotFound.
func (r *SQLiteRepo) GetUserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID))
}

// ListConnectedUsers returns every user flagged connected, for session restore.
func (r *SQLiteRepo) ListConnectedUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_connected = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

// SetUserSession stores the encrypted session credential and flags the user
// connected.
func (r *SQLiteRepo) SetUserSession(ctx context.Context, userID int64, encryptedSession string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET mtproto_session = ?, is_connected = 1, updated_at = ?
		WHERE id = ?`,
		encryptedSession, time.Now().UTC().Unix(), userID)
	return err
}

// ClearUserSession drops the credential and flags the user disconnected.
func (r *SQLiteRepo) ClearUserSession(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET mtproto_session = NULL, is_connected = 0, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC().Unix(), userID)
	return err
}

// SetConnected toggles the connected flag without touching the credential.
func (r *SQLiteRepo) SetConnected(ctx context.Context, userID int64, connected bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET is_connected = ?, updated_at = ? WHERE id = ?`,
		boolToInt(connected), time.Now().UTC().Unix(), userID)
	return err
}

// SetScanCheckpoint advances the scan checkpoint. The checkpoint is
// monotonically non-decreasing: a stale write is silently ignored.
func (r *SQLiteRepo) SetScanCheckpoint(ctx context.Context, userID, messageID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_scanned_message_id = ?, updated_at = ?
		WHERE id = ? AND COALESCE(last_scanned_message_id, 0) < ?`,
		messageID, time.Now().UTC().Unix(), userID, messageID)
	return err
}

// ResetScanCheckpoint clears the checkpoint so the next scan walks the full
// history again.
func (r *SQLiteRepo) ResetScanCheckpoint(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_scanned_message_id = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), userID)
	return err
}
