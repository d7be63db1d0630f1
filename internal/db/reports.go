package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/banshee-data/gunshot.report/internal/geo"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
)

// Gun is a catalogue entry.
type Gun struct {
	Name string `json:"gun_name"`
	Type string `json:"gun_type"`
}

func (db *DB) AddGun(ctx context.Context, g Gun) error {
	if g.Name == "" || g.Type == "" {
		return errors.New("gun name and type are required")
	}
	_, err := db.ExecContext(ctx, `INSERT INTO guns (name, type) VALUES (?, ?)`, g.Name, g.Type)
	if err != nil {
		return fmt.Errorf("add gun %q: %w", g.Name, err)
	}
	return nil
}

func (db *DB) Gun(ctx context.Context, name string) (Gun, error) {
	var g Gun
	err := db.QueryRowContext(ctx, `SELECT name, type FROM guns WHERE name = ?`, name).Scan(&g.Name, &g.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return Gun{}, fmt.Errorf("gun %q: %w", name, ErrNotFound)
	}
	return g, err
}

func (db *DB) Guns(ctx context.Context) ([]Gun, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type FROM guns ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	guns := []Gun{}
	for rows.Next() {
		var g Gun
		if err := rows.Scan(&g.Name, &g.Type); err != nil {
			return nil, err
		}
		guns = append(guns, g)
	}
	return guns, rows.Err()
}

const insertReport = `INSERT INTO reports (
	client_id, timestamp_ms, latitude, longitude, altitude, weapon_type
) VALUES (?, ?, ?, ?, ?, ?)`

// AddReport stores a single report and returns it with its id.
func (db *DB) AddReport(ctx context.Context, r gunshot.Report) (gunshot.StoredReport, error) {
	res, err := db.ExecContext(ctx, insertReport, reportArgs(r)...)
	if err != nil {
		return gunshot.StoredReport{}, fmt.Errorf("insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return gunshot.StoredReport{}, err
	}
	return gunshot.StoredReport{ID: id, Report: r}, nil
}

// AddReports stores a batch in one transaction and returns the results in
// input order.
func (db *DB) AddReports(ctx context.Context, batch []gunshot.Report) ([]gunshot.StoredReport, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertReport)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]gunshot.StoredReport, len(batch))
	for i, r := range batch {
		res, err := stmt.ExecContext(ctx, reportArgs(r)...)
		if err != nil {
			return nil, fmt.Errorf("insert report %d of %d: %w", i+1, len(batch), err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out[i] = gunshot.StoredReport{ID: id, Report: r}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit report batch: %w", err)
	}
	return out, nil
}

func reportArgs(r gunshot.Report) []any {
	return []any{r.ClientID, r.TimestampMs, r.Position.Latitude, r.Position.Longitude, r.Position.Altitude, r.WeaponType}
}

const selectReport = `SELECT report_id, client_id, timestamp_ms, latitude, longitude, altitude, weapon_type FROM reports`

func (db *DB) Report(ctx context.Context, id int64) (gunshot.StoredReport, error) {
	sr, err := scanReport(db.QueryRowContext(ctx, selectReport+` WHERE report_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return gunshot.StoredReport{}, fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	return sr, err
}

// ReportsInRange returns reports with fromMs <= timestamp < toMs, oldest
// first.
func (db *DB) ReportsInRange(ctx context.Context, fromMs, toMs int64) ([]gunshot.StoredReport, error) {
	return db.queryReports(ctx, selectReport+` WHERE timestamp_ms >= ? AND timestamp_ms < ? ORDER BY timestamp_ms, report_id`, fromMs, toMs)
}

// ReportsForGunshot returns the reports associated with a gunshot event.
func (db *DB) ReportsForGunshot(ctx context.Context, gunshotID int64) ([]gunshot.StoredReport, error) {
	return db.queryReports(ctx, `SELECT r.report_id, r.client_id, r.timestamp_ms, r.latitude, r.longitude, r.altitude, r.weapon_type
		FROM reports r JOIN gunshot_reports gr ON gr.report_id = r.report_id
		WHERE gr.gunshot_id = ? ORDER BY r.timestamp_ms, r.report_id`, gunshotID)
}

func (db *DB) queryReports(ctx context.Context, query string, args ...any) ([]gunshot.StoredReport, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []gunshot.StoredReport{}
	for rows.Next() {
		sr, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, sr)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (gunshot.StoredReport, error) {
	var (
		sr  gunshot.StoredReport
		pos geo.Position
	)
	if err := s.Scan(&sr.ID, &sr.ClientID, &sr.TimestampMs, &pos.Latitude, &pos.Longitude, &pos.Altitude, &sr.WeaponType); err != nil {
		return gunshot.StoredReport{}, err
	}
	sr.Position = pos
	return sr, nil
}
