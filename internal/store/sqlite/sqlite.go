// Package sqlite implements weather.Store on a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/store"
	"github.com/JakeFAU/weather-ingest/internal/weather"
)

const driverName = "sqlite3"

// Config controls how the database file is opened.
type Config struct {
	// Path is a file path or a "file:" URI.
	Path        string
	BusyTimeout time.Duration
	OnConflict  store.ConflictPolicy
}

// Store writes stations and measurements into SQLite.
type Store struct {
	db                *sql.DB
	insertStation     string
	insertMeasurement string
	logger            *zap.Logger
}

// Open opens (creating if needed) the database and verifies that foreign keys are enforced.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer, one connection: the pipeline is sequential and the pragmas in the
	// DSN then apply to every statement.
	db.SetMaxOpenConns(1)

	if err := checkForeignKeys(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	policy := cfg.OnConflict
	if policy == "" {
		policy = store.ConflictIgnore
	}
	return &Store{
		db:                db,
		insertStation:     store.InsertStationSQL(store.QuestionMark),
		insertMeasurement: store.InsertMeasurementSQL(policy, store.QuestionMark),
		logger:            logger,
	}, nil
}

func checkForeignKeys(ctx context.Context, db *sql.DB) error {
	var enabled int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("sqlite ping: %w", err)
	}
	if enabled != 1 {
		return errors.New("sqlite foreign key enforcement is not active")
	}
	return nil
}

// EnsureSchema creates both tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, store.SchemaSQL("INTEGER", "REAL")); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertStations inserts the roster in one transaction.
func (s *Store) UpsertStations(ctx context.Context, stations []weather.Station) (weather.WriteResult, error) {
	var result weather.WriteResult
	err := s.inTx(ctx, s.insertStation, func(stmt *sql.Stmt) error {
		for _, st := range stations {
			res, err := stmt.ExecContext(ctx, st.ID, st.Name, st.Latitude, st.Longitude)
			if err != nil {
				return fmt.Errorf("insert station %d: %w", st.ID, err)
			}
			count(&result, res)
		}
		return nil
	})
	if err != nil {
		return weather.WriteResult{}, err
	}
	return result, nil
}

// UpsertMeasurements writes one page in one transaction. A row whose station is
// unknown is rejected on its own; any other failure rolls back the page.
func (s *Store) UpsertMeasurements(ctx context.Context, rows []weather.MeasurementRow) (weather.WriteResult, error) {
	var result weather.WriteResult
	err := s.inTx(ctx, s.insertMeasurement, func(stmt *sql.Stmt) error {
		for _, row := range rows {
			res, err := stmt.ExecContext(ctx, row.Values()...)
			if isForeignKeyViolation(err) {
				s.logger.Debug("measurement rejected by foreign key",
					zap.Int64("measurement_id", row.ID), zap.Int64("station_id", row.StationID.Int64))
				result.Rejected = append(result.Rejected, row.ID)
				continue
			}
			if err != nil {
				return fmt.Errorf("insert measurement %d: %w", row.ID, err)
			}
			count(&result, res)
		}
		return nil
	})
	if err != nil {
		return weather.WriteResult{}, err
	}
	return result, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, query string, fn func(stmt *sql.Stmt) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	if err = fn(stmt); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func count(result *weather.WriteResult, res sql.Result) {
	n, err := res.RowsAffected()
	if err == nil && n > 0 {
		result.Written++
		return
	}
	result.Ignored++
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	params := []string{
		"_foreign_keys=on",
		fmt.Sprintf("_busy_timeout=%d", busy.Milliseconds()),
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
