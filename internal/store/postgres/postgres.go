// Package postgres implements weather.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/store"
	"github.com/JakeFAU/weather-ingest/internal/weather"
)

const (
	foreignKeyViolation = "23503"

	savepointSQL         = "SAVEPOINT measurement"
	releaseSavepointSQL  = "RELEASE SAVEPOINT measurement"
	rollbackSavepointSQL = "ROLLBACK TO SAVEPOINT measurement"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	OnConflict      store.ConflictPolicy
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes stations and measurements into Postgres.
type Store struct {
	pool              pool
	insertStation     string
	insertMeasurement string
	logger            *zap.Logger
}

// Open creates a pool for cfg.DSN.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithPool(p, cfg.OnConflict, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, policy store.ConflictPolicy, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = store.ConflictIgnore
	}
	return &Store{
		pool:              p,
		insertStation:     store.InsertStationSQL(store.Dollar),
		insertMeasurement: store.InsertMeasurementSQL(policy, store.Dollar),
		logger:            logger,
	}, nil
}

// EnsureSchema creates both tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, store.SchemaSQL("BIGINT", "DOUBLE PRECISION")); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertStations inserts the roster in one transaction.
func (s *Store) UpsertStations(ctx context.Context, stations []weather.Station) (weather.WriteResult, error) {
	var result weather.WriteResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, st := range stations {
			tag, err := tx.Exec(ctx, s.insertStation, st.ID, st.Name, st.Latitude, st.Longitude)
			if err != nil {
				return fmt.Errorf("insert station %d: %w", st.ID, err)
			}
			count(&result, tag)
		}
		return nil
	})
	if err != nil {
		return weather.WriteResult{}, err
	}
	return result, nil
}

// UpsertMeasurements writes one page in one transaction. Each row runs under a
// savepoint so a foreign key violation rejects only that row.
func (s *Store) UpsertMeasurements(ctx context.Context, rows []weather.MeasurementRow) (weather.WriteResult, error) {
	var result weather.WriteResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, row := range rows {
			if _, err := tx.Exec(ctx, savepointSQL); err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}
			tag, err := tx.Exec(ctx, s.insertMeasurement, row.Values()...)
			if isForeignKeyViolation(err) {
				if _, rbErr := tx.Exec(ctx, rollbackSavepointSQL); rbErr != nil {
					return fmt.Errorf("rollback to savepoint: %w", rbErr)
				}
				s.logger.Debug("measurement rejected by foreign key",
					zap.Int64("measurement_id", row.ID), zap.Int64("station_id", row.StationID.Int64))
				result.Rejected = append(result.Rejected, row.ID)
				continue
			}
			if err != nil {
				return fmt.Errorf("insert measurement %d: %w", row.ID, err)
			}
			if _, err := tx.Exec(ctx, releaseSavepointSQL); err != nil {
				return fmt.Errorf("release savepoint: %w", err)
			}
			count(&result, tag)
		}
		return nil
	})
	if err != nil {
		return weather.WriteResult{}, err
	}
	return result, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func count(result *weather.WriteResult, tag pgconn.CommandTag) {
	if tag.RowsAffected() > 0 {
		result.Written++
		return
	}
	result.Ignored++
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
