package weather

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Fetcher retrieves and decodes one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Store persists stations and measurements idempotently.
type Store interface {
	// EnsureSchema creates the Stations and Measurements tables when absent.
	EnsureSchema(ctx context.Context) error
	// UpsertStations inserts stations, ignoring identifiers that already exist.
	UpsertStations(ctx context.Context, stations []Station) (WriteResult, error)
	// UpsertMeasurements writes one page of rows in a single transaction. Rows that
	// violate the station foreign key are rejected individually and reported in the result.
	UpsertMeasurements(ctx context.Context, rows []MeasurementRow) (WriteResult, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}
