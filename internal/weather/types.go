// Package weather defines core types shared across the ingestion pipeline.
package weather

import (
	"database/sql"
	"encoding/json"
)

// Station is one entry of the remote roster.
type Station struct {
	ID        int64   `json:"weather_stn_id"`
	Name      string  `json:"weather_stn_name"`
	Latitude  float64 `json:"weather_stn_lat"`
	Longitude float64 `json:"weather_stn_long"`
}

// MeasurementRow is the fixed-column form of a remote measurement item.
// Columns that were not reported carry the invalid (NULL) state of their sql.Null type.
type MeasurementRow struct {
	ID               int64
	StationID        sql.NullInt64
	ReadingTimestamp sql.NullString
	AirPressure      sql.NullFloat64
	AirQuality       sql.NullFloat64
	AmbientTemp      sql.NullFloat64
	GroundTemp       sql.NullFloat64
	Humidity         sql.NullFloat64
	Rainfall         sql.NullFloat64
	WindDirection    sql.NullFloat64
	WindGustSpeed    sql.NullFloat64
	WindSpeed        sql.NullFloat64
	CreatedBy        sql.NullString
	CreatedOn        sql.NullString
	UpdatedBy        sql.NullString
	UpdatedOn        sql.NullString
}

// MeasurementColumns lists the Measurements columns in the order returned by MeasurementRow.Values.
var MeasurementColumns = []string{
	"id",
	"stations_id",
	"reading_timestamp",
	"air_pressure",
	"air_quality",
	"ambient_temp",
	"ground_temp",
	"humidity",
	"rainfall",
	"wind_direction",
	"wind_gust_speed",
	"wind_speed",
	"created_by",
	"created_on",
	"updated_by",
	"updated_on",
}

// Values returns the row's column values aligned with MeasurementColumns.
func (r MeasurementRow) Values() []any {
	return []any{
		r.ID,
		r.StationID,
		r.ReadingTimestamp,
		r.AirPressure,
		r.AirQuality,
		r.AmbientTemp,
		r.GroundTemp,
		r.Humidity,
		r.Rainfall,
		r.WindDirection,
		r.WindGustSpeed,
		r.WindSpeed,
		r.CreatedBy,
		r.CreatedOn,
		r.UpdatedBy,
		r.UpdatedOn,
	}
}

// Item is one undecoded element of a page's items array.
type Item map[string]json.RawMessage

// Page is a decoded response envelope.
type Page struct {
	// URL is the address the page was fetched from.
	URL string
	// Items holds every element of the items array that was a JSON object.
	Items []Item
	// Next is the absolute next-page reference; empty at end of stream.
	Next string
	// Dropped counts items array elements that were not objects.
	Dropped int
}

// WriteResult summarizes one store write.
type WriteResult struct {
	Written  int
	Ignored  int
	Rejected []int64
}

// Add folds other into r.
func (r *WriteResult) Add(other WriteResult) {
	r.Written += other.Written
	r.Ignored += other.Ignored
	r.Rejected = append(r.Rejected, other.Rejected...)
}
