package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

var _ gunshot.EventStore = (*DB)(nil)

// Gunshot is a persisted event. Position and TimestampMs are nil until the
// origin has been solved.
type Gunshot struct {
	ID          int64         `json:"gunshot_id"`
	TimestampMs *int64        `json:"timestamp,omitempty"`
	Position    *geo.Position `json:"position,omitempty"`
	WeaponType  string        `json:"gun"`
	ShotsFired  int           `json:"shots_fired"`
	Temporary   bool          `json:"temporary"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

// AddTemporaryGunshotEvent writes the placeholder for a forming event and
// associates its first report.
func (db *DB) AddTemporaryGunshotEvent(ctx context.Context, eventID, reportID int64, weaponType string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gunshots (gunshot_id, weapon_type, temporary) VALUES (?, ?, 1)`,
			eventID, weaponType); err != nil {
			return fmt.Errorf("insert temporary gunshot %d: %w", eventID, err)
		}
		return associate(ctx, tx, eventID, reportID)
	})
}

// AddGunshotEvent makes the event's record permanent, creating it if the
// placeholder is missing, and associates rec.ReportID.
func (db *DB) AddGunshotEvent(ctx context.Context, rec gunshot.GunshotRecord) error {
	ts, lat, lon, alt := recordArgs(rec)
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gunshots (gunshot_id, timestamp_ms, latitude, longitude, altitude, weapon_type, shots_fired, temporary)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT (gunshot_id) DO UPDATE SET
				timestamp_ms = excluded.timestamp_ms,
				latitude = excluded.latitude,
				longitude = excluded.longitude,
				altitude = excluded.altitude,
				weapon_type = excluded.weapon_type,
				shots_fired = excluded.shots_fired,
				temporary = 0,
				updated_at = strftime('%s', 'now')`,
			rec.EventID, ts, lat, lon, alt, rec.WeaponType, rec.ShotsFired); err != nil {
			return fmt.Errorf("upsert gunshot %d: %w", rec.EventID, err)
		}
		if rec.ReportID == 0 {
			return nil
		}
		return associate(ctx, tx, rec.EventID, rec.ReportID)
	})
}

// UpdateGunshotEvent rewrites a permanent record's estimate and, when
// rec.ReportID is set, associates that report.
func (db *DB) UpdateGunshotEvent(ctx context.Context, rec gunshot.GunshotRecord) error {
	ts, lat, lon, alt := recordArgs(rec)
	return db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE gunshots SET
				timestamp_ms = ?, latitude = ?, longitude = ?, altitude = ?,
				weapon_type = ?, shots_fired = ?, updated_at = strftime('%s', 'now')
			WHERE gunshot_id = ?`,
			ts, lat, lon, alt, rec.WeaponType, rec.ShotsFired, rec.EventID)
		if err != nil {
			return fmt.Errorf("update gunshot %d: %w", rec.EventID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("update gunshot %d: %w", rec.EventID, ErrNotFound)
		}
		if rec.ReportID == 0 {
			return nil
		}
		return associate(ctx, tx, rec.EventID, rec.ReportID)
	})
}

func (db *DB) AddReportAssociation(ctx context.Context, eventID, reportID int64) error {
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO gunshot_reports (gunshot_id, report_id) VALUES (?, ?)`,
		eventID, reportID); err != nil {
		return fmt.Errorf("associate report %d with gunshot %d: %w", reportID, eventID, err)
	}
	return nil
}

// LatestEventID returns the highest gunshot id, or 0 for an empty table.
func (db *DB) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(gunshot_id), 0) FROM gunshots`).Scan(&id)
	return id, err
}

const selectGunshot = `SELECT gunshot_id, timestamp_ms, latitude, longitude, altitude,
	weapon_type, shots_fired, temporary, created_at, updated_at FROM gunshots`

func (db *DB) Gunshot(ctx context.Context, id int64) (Gunshot, error) {
	g, err := scanGunshot(db.QueryRowContext(ctx, selectGunshot+` WHERE gunshot_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Gunshot{}, fmt.Errorf("gunshot %d: %w", id, ErrNotFound)
	}
	return g, err
}

// LatestGunshot returns the newest permanent gunshot.
func (db *DB) LatestGunshot(ctx context.Context) (Gunshot, error) {
	g, err := scanGunshot(db.QueryRowContext(ctx,
		selectGunshot+` WHERE temporary = 0 ORDER BY gunshot_id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return Gunshot{}, fmt.Errorf("latest gunshot: %w", ErrNotFound)
	}
	return g, err
}

// Gunshots returns every permanent gunshot, newest first.
func (db *DB) Gunshots(ctx context.Context) ([]Gunshot, error) {
	return db.queryGunshots(ctx, selectGunshot+` WHERE temporary = 0 ORDER BY gunshot_id DESC`)
}

// GunshotsInRange returns solved gunshots with fromMs <= timestamp < toMs.
func (db *DB) GunshotsInRange(ctx context.Context, fromMs, toMs int64) ([]Gunshot, error) {
	return db.queryGunshots(ctx, selectGunshot+`
		WHERE temporary = 0 AND timestamp_ms >= ? AND timestamp_ms < ?
		ORDER BY timestamp_ms`, fromMs, toMs)
}

func (db *DB) queryGunshots(ctx context.Context, query string, args ...any) ([]Gunshot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Gunshot{}
	for rows.Next() {
		g, err := scanGunshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGunshot(s scanner) (Gunshot, error) {
	var (
		g             Gunshot
		ts            sql.NullInt64
		lat, lon, alt sql.NullFloat64
	)
	if err := s.Scan(&g.ID, &ts, &lat, &lon, &alt,
		&g.WeaponType, &g.ShotsFired, &g.Temporary, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return Gunshot{}, err
	}
	if ts.Valid {
		g.TimestampMs = &ts.Int64
	}
	if lat.Valid && lon.Valid && alt.Valid {
		g.Position = &geo.Position{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: alt.Float64}
	}
	return g, nil
}

func recordArgs(rec gunshot.GunshotRecord) (ts, lat, lon, alt any) {
	if rec.TimestampMs != nil {
		ts = *rec.TimestampMs
	}
	if rec.Position != nil {
		lat, lon, alt = rec.Position.Latitude, rec.Position.Longitude, rec.Position.Altitude
	}
	return ts, lat, lon, alt
}

func associate(ctx context.Context, tx *sql.Tx, eventID, reportID int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO gunshot_reports (gunshot_id, report_id) VALUES (?, ?)`,
		eventID, reportID); err != nil {
		return fmt.Errorf("associate report %d with gunshot %d: %w", reportID, eventID, err)
	}
	return nil
}

// inTx runs fn in a transaction, committing only if it succeeds.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
