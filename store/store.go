// Package store provides a SQLite-backed reference implementation of
// the hub package's UserStore contract: per-user settings snapshot,
// running App list, and the location cold cache.
//
// Schema changes are applied through an ordered list of migrations,
// each run exactly once and tracked in a schema_migrations table.
// Never edit or reorder existing entries here; only append.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"glasseshub/hub"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		user_id TEXT PRIMARY KEY,
		default_wearable TEXT NOT NULL DEFAULT '',
		metric_system_enabled INTEGER NOT NULL DEFAULT 0,
		extra_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS running_apps (
		user_id TEXT NOT NULL,
		package TEXT NOT NULL,
		PRIMARY KEY (user_id, package)
	)`,
	`CREATE TABLE IF NOT EXISTS last_location (
		user_id TEXT PRIMARY KEY,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		accuracy REAL,
		has_accuracy INTEGER NOT NULL DEFAULT 0,
		timestamp_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_running_apps_user ON running_apps(user_id)`,
	`PRAGMA journal_mode=WAL`,
}

// Store is a SQLite-backed hub.UserStore.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the SQLite database at path and
// applies any pending migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(migrations[0]); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count migrations: %w", err)
	}

	for i := applied + 1; i <= len(migrations); i++ {
		stmt := migrations[i-1]
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i, err)
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES (?, ?)`, i, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSettings implements hub.UserStore.
func (s *Store) LoadSettings(userID string) (hub.UserSettingsSnapshot, error) {
	var wearable string
	var metric int
	var extraJSON string
	err := s.db.QueryRow(`SELECT default_wearable, metric_system_enabled, extra_json FROM user_settings WHERE user_id = ?`, userID).
		Scan(&wearable, &metric, &extraJSON)
	if err == sql.ErrNoRows {
		return hub.UserSettingsSnapshot{Extra: map[string]any{}}, nil
	}
	if err != nil {
		return hub.UserSettingsSnapshot{}, fmt.Errorf("load settings: %w", err)
	}
	extra := map[string]any{}
	_ = json.Unmarshal([]byte(extraJSON), &extra)
	return hub.UserSettingsSnapshot{
		DefaultWearable:     wearable,
		MetricSystemEnabled: metric != 0,
		Extra:               extra,
	}, nil
}

// SaveSettings implements hub.UserStore.
func (s *Store) SaveSettings(userID string, snap hub.UserSettingsSnapshot) error {
	extraJSON, err := json.Marshal(snap.Extra)
	if err != nil {
		return fmt.Errorf("marshal settings extra: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO user_settings (user_id, default_wearable, metric_system_enabled, extra_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			default_wearable = excluded.default_wearable,
			metric_system_enabled = excluded.metric_system_enabled,
			extra_json = excluded.extra_json
	`, userID, snap.DefaultWearable, boolToInt(snap.MetricSystemEnabled), string(extraJSON))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// LoadRunningApps implements hub.UserStore.
func (s *Store) LoadRunningApps(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT package FROM running_apps WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("load running apps: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("scan running app: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// SaveRunningApps implements hub.UserStore.
func (s *Store) SaveRunningApps(userID string, pkgs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM running_apps WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear running apps: %w", err)
	}
	for _, pkg := range pkgs {
		if _, err := tx.Exec(`INSERT INTO running_apps (user_id, package) VALUES (?, ?)`, userID, pkg); err != nil {
			return fmt.Errorf("insert running app: %w", err)
		}
	}
	return tx.Commit()
}

// LoadLastLocation implements hub.UserStore.
func (s *Store) LoadLastLocation(userID string) (hub.NormalizedLocation, bool, error) {
	var lat, lng, accuracy float64
	var hasAccuracy int
	var tsMs int64
	err := s.db.QueryRow(`SELECT lat, lng, accuracy, has_accuracy, timestamp_ms FROM last_location WHERE user_id = ?`, userID).
		Scan(&lat, &lng, &accuracy, &hasAccuracy, &tsMs)
	if err == sql.ErrNoRows {
		return hub.NormalizedLocation{}, false, nil
	}
	if err != nil {
		return hub.NormalizedLocation{}, false, fmt.Errorf("load last location: %w", err)
	}
	return hub.NormalizedLocation{
		Lat:       lat,
		Lng:       lng,
		Accuracy:  accuracy,
		HasAcc:    hasAccuracy != 0,
		Timestamp: time.UnixMilli(tsMs),
	}, true, nil
}

// SaveLastLocation implements hub.UserStore.
func (s *Store) SaveLastLocation(userID string, loc hub.NormalizedLocation) error {
	_, err := s.db.Exec(`
		INSERT INTO last_location (user_id, lat, lng, accuracy, has_accuracy, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			accuracy = excluded.accuracy,
			has_accuracy = excluded.has_accuracy,
			timestamp_ms = excluded.timestamp_ms
	`, userID, loc.Lat, loc.Lng, loc.Accuracy, boolToInt(loc.HasAcc), loc.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save last location: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
