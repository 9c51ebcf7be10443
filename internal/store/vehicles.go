package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kirillonishuk/majestic-rent-bot/internal/domain"
)

const vehicleColumns = `id, user_id, name, plate_number, image_slug, created_at`

func scanVehicle(row interface{ Scan(...any) error }) (*domain.Vehicle, error) {
	var (
		v       domain.Vehicle
		plate   sql.NullString
		slug    sql.NullString
		created int64
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.Name, &plate, &slug, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.PlateNumber = fromNullString(plate)
	v.ImageSlug = fromNullString(slug)
	v.CreatedAt = fromUnix(created)
	return &v, nil
}

// GetVehicleByPlate returns a user's vehicle by plate number or ErrNotFound.
func (r *SQLiteRepo) GetVehicleByPlate(ctx context.Context, userID int64, plate string) (*domain.Vehicle, error) {
	return scanVehicle(r.db.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE user_id = ? AND plate_number = ?`,
		userID, plate))
}

// GetVehicleByID returns a vehicle by id or ErrNotFound.
func (r *SQLiteRepo) GetVehicleByID(ctx context.Context, id int64) (*domain.Vehicle, error) {
	return scanVehicle(r.db.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id))
}

// UpsertVehicle inserts a vehicle or, when (user_id, name) already exists,
// refreshes its plate and image slug. The row id is filled in either way.
func (r *SQLiteRepo) UpsertVehicle(ctx context.Context, v *domain.Vehicle) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vehicles (user_id, name, plate_number, image_slug, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			plate_number = excluded.plate_number,
			image_slug   = COALESCE(vehicles.image_slug, excluded.image_slug)`,
		v.UserID, v.Name, toNullString(v.PlateNumber), toNullString(v.ImageSlug),
		unixOrNow(v.CreatedAt),
	)
	if err != nil {
		return err
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT id FROM vehicles WHERE user_id = ? AND name = ?`, v.UserID, v.Name)
	return row.Scan(&v.ID)
}

// ListVehiclesWithoutImage returns a user's vehicles that still lack an image
// slug, for the post-scan backfill pass.
func (r *SQLiteRepo) ListVehiclesWithoutImage(ctx context.Context, userID int64) ([]domain.Vehicle, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE user_id = ? AND image_slug IS NULL`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *v)
	}
	return res, rows.Err()
}

// SetVehicleImage back-fills the image slug for a vehicle.
func (r *SQLiteRepo) SetVehicleImage(ctx context.Context, vehicleID int64, slug string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE vehicles SET image_slug = ? WHERE id = ?`, slug, vehicleID)
	return err
}

// ListVehicleStats returns a user's vehicles with rental counts and revenue,
// most profitable first.
func (r *SQLiteRepo) ListVehicleStats(ctx context.Context, userID int64) ([]VehicleStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.id, v.user_id, v.name, v.plate_number, v.image_slug, v.created_at,
		       COUNT(rt.id), COALESCE(SUM(rt.price), 0)
		FROM vehicles v
		LEFT JOIN rentals rt ON rt.vehicle_id = v.id
		WHERE v.user_id = ?
		GROUP BY v.id
		ORDER BY COALESCE(SUM(rt.price), 0) DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []VehicleStats
	for rows.Next() {
		var (
			s       VehicleStats
			plate   sql.NullString
			slug    sql.NullString
			created int64
		)
		if err := rows.Scan(
			&s.Vehicle.ID, &s.Vehicle.UserID, &s.Vehicle.Name, &plate, &slug, &created,
			&s.RentalCount, &s.Revenue,
		); err != nil {
			return nil, err
		}
		s.Vehicle.PlateNumber = fromNullString(plate)
		s.Vehicle.ImageSlug = fromNullString(slug)
		s.Vehicle.CreatedAt = fromUnix(created)
		res = append(res, s)
	}
	return res, rows.Err()
}
