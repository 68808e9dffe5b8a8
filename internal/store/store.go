// Package store holds the SQL shared by the relational backends.
package store

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

// ConflictPolicy selects what a measurement write does when its id already exists.
type ConflictPolicy string

// Supported conflict policies.
const (
	// ConflictIgnore keeps the stored row untouched.
	ConflictIgnore ConflictPolicy = "ignore"
	// ConflictRefreshAudit copies updated_by/updated_on from the incoming row when
	// its updated_on is newer than the stored one. Nothing else changes.
	ConflictRefreshAudit ConflictPolicy = "refresh_audit"
)

// ParseConflictPolicy validates a configured policy name. Empty means ConflictIgnore.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictIgnore:
		return ConflictIgnore, nil
	case ConflictRefreshAudit:
		return ConflictRefreshAudit, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Placeholder renders the n-th (1-based) bind parameter of a dialect.
type Placeholder func(n int) string

// QuestionMark is the SQLite placeholder style.
func QuestionMark(int) string { return "?" }

// Dollar is the Postgres placeholder style.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// InsertStationSQL inserts one station, ignoring existing ids.
func InsertStationSQL(ph Placeholder) string {
	return fmt.Sprintf(
		"INSERT INTO Stations (id, name, latitude, longitude) VALUES (%s, %s, %s, %s) ON CONFLICT (id) DO NOTHING",
		ph(1), ph(2), ph(3), ph(4),
	)
}

// InsertMeasurementSQL inserts one measurement row according to policy. Arguments
// follow weather.MeasurementColumns.
func InsertMeasurementSQL(policy ConflictPolicy, ph Placeholder) string {
	params := make([]string, len(weather.MeasurementColumns))
	for i := range params {
		params[i] = ph(i + 1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO Measurements (%s) VALUES (%s) ON CONFLICT (id) ",
		strings.Join(weather.MeasurementColumns, ", "), strings.Join(params, ", "))
	if policy == ConflictRefreshAudit {
		b.WriteString("DO UPDATE SET updated_by = excluded.updated_by, updated_on = excluded.updated_on " +
			"WHERE excluded.updated_on IS NOT NULL " +
			"AND (Measurements.updated_on IS NULL OR excluded.updated_on > Measurements.updated_on)")
	} else {
		b.WriteString("DO NOTHING")
	}
	return b.String()
}

// SchemaSQL returns the create-if-absent DDL for both tables. realType is the
// dialect's double precision type and intType its 64-bit integer type.
func SchemaSQL(intType, realType string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS Stations (
	id %[1]s PRIMARY KEY,
	name TEXT NOT NULL,
	latitude %[2]s NOT NULL,
	longitude %[2]s NOT NULL
);

CREATE TABLE IF NOT EXISTS Measurements (
	id %[1]s PRIMARY KEY,
	stations_id %[1]s REFERENCES Stations (id),
	reading_timestamp TEXT,
	air_pressure %[2]s,
	air_quality %[2]s,
	ambient_temp %[2]s,
	ground_temp %[2]s,
	humidity %[2]s,
	rainfall %[2]s,
	wind_direction %[2]s,
	wind_gust_speed %[2]s,
	wind_speed %[2]s,
	created_by TEXT,
	created_on TEXT,
	updated_by TEXT,
	updated_on TEXT
);

CREATE INDEX IF NOT EXISTS measurements_stations_id_idx ON Measurements (stations_id);
`, intType, realType)
}
