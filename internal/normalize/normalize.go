// Package normalize maps heterogeneous remote items onto the fixed relational columns.
package normalize

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

const (
	idKey = "id"
	// stationRefKey is the remote name of the owning-station reference; the local
	// column is stations_id. See renameStationRef.
	stationRefKey    = "weather_stn_id"
	stationRefColumn = "stations_id"

	stationNameKey = "weather_stn_name"
	stationLatKey  = "weather_stn_lat"
	stationLongKey = "weather_stn_long"
)

// UnknownFieldObserver is told about every remote key the schema has no column for.
type UnknownFieldObserver interface {
	ObserveUnknownField(key string)
}

// Report describes how one item was mapped.
type Report struct {
	// Absent lists the columns that received the absent-value marker.
	Absent []string
	// Unknown lists remote keys that were ignored, sorted.
	Unknown []string
}

type field struct {
	key    string
	column string
	assign func(row *weather.MeasurementRow, raw json.RawMessage) (bool, error)
}

// measurementFields maps each remote key to its column. Order follows weather.MeasurementColumns.
var measurementFields = []field{
	{key: "reading_timestamp", column: "reading_timestamp", assign: text(func(r *weather.MeasurementRow) *sql.NullString { return &r.ReadingTimestamp })},
	{key: "air_pressure", column: "air_pressure", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.AirPressure })},
	{key: "air_quality", column: "air_quality", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.AirQuality })},
	{key: "ambient_temp", column: "ambient_temp", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.AmbientTemp })},
	{key: "ground_temp", column: "ground_temp", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.GroundTemp })},
	{key: "humidity", column: "humidity", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.Humidity })},
	{key: "rainfall", column: "rainfall", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.Rainfall })},
	{key: "wind_direction", column: "wind_direction", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.WindDirection })},
	{key: "wind_gust_speed", column: "wind_gust_speed", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.WindGustSpeed })},
	{key: "wind_speed", column: "wind_speed", assign: number(func(r *weather.MeasurementRow) *sql.NullFloat64 { return &r.WindSpeed })},
	{key: "created_by", column: "created_by", assign: text(func(r *weather.MeasurementRow) *sql.NullString { return &r.CreatedBy })},
	{key: "created_on", column: "created_on", assign: text(func(r *weather.MeasurementRow) *sql.NullString { return &r.CreatedOn })},
	{key: "updated_by", column: "updated_by", assign: text(func(r *weather.MeasurementRow) *sql.NullString { return &r.UpdatedBy })},
	{key: "updated_on", column: "updated_on", assign: text(func(r *weather.MeasurementRow) *sql.NullString { return &r.UpdatedOn })},
}

var knownMeasurementKeys = func() map[string]struct{} {
	keys := map[string]struct{}{idKey: {}, stationRefKey: {}}
	for _, f := range measurementFields {
		keys[f.key] = struct{}{}
	}
	return keys
}()

// Normalizer converts items into rows.
type Normalizer struct {
	observer UnknownFieldObserver
	logger   *zap.Logger
}

// New constructs a Normalizer. observer may be nil.
func New(observer UnknownFieldObserver, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{observer: observer, logger: logger}
}

// Measurement maps one item onto a MeasurementRow. Missing keys and JSON nulls become
// the absent-value marker; a present value of the wrong type, or a missing id, yields
// weather.ErrMalformedItem.
func (n *Normalizer) Measurement(item weather.Item) (weather.MeasurementRow, Report, error) {
	var (
		row    weather.MeasurementRow
		report Report
	)

	id, ok, err := decodeInt(item[idKey])
	if err != nil {
		return weather.MeasurementRow{}, report, fmt.Errorf("%w: %s: %v", weather.ErrMalformedItem, idKey, err)
	}
	if !ok {
		return weather.MeasurementRow{}, report, fmt.Errorf("%w: missing %s", weather.ErrMalformedItem, idKey)
	}
	row.ID = id

	present, err := renameStationRef(item, &row)
	if err != nil {
		return weather.MeasurementRow{}, report, fmt.Errorf("%w: id %d: %v", weather.ErrMalformedItem, id, err)
	}
	if !present {
		report.Absent = append(report.Absent, stationRefColumn)
	}

	for _, f := range measurementFields {
		set, err := f.assign(&row, item[f.key])
		if err != nil {
			return weather.MeasurementRow{}, report, fmt.Errorf("%w: id %d: %s: %v", weather.ErrMalformedItem, id, f.key, err)
		}
		if !set {
			report.Absent = append(report.Absent, f.column)
		}
	}

	report.Unknown = n.unknownKeys(item, knownMeasurementKeys)
	if len(report.Unknown) > 0 {
		n.logger.Debug("ignoring unknown measurement fields",
			zap.Int64("measurement_id", id), zap.Strings("fields", report.Unknown))
	}
	return row, report, nil
}

// renameStationRef copies the remote station reference into the stations_id column.
func renameStationRef(item weather.Item, row *weather.MeasurementRow) (bool, error) {
	ref, ok, err := decodeInt(item[stationRefKey])
	if err != nil {
		return false, fmt.Errorf("%s: %w", stationRefKey, err)
	}
	if !ok {
		row.StationID = sql.NullInt64{}
		return false, nil
	}
	row.StationID = sql.NullInt64{Int64: ref, Valid: true}
	return true, nil
}

var knownStationKeys = map[string]struct{}{
	stationRefKey:  {},
	stationNameKey: {},
	stationLatKey:  {},
	stationLongKey: {},
}

// Station maps one roster item onto a Station. Every column is required.
func (n *Normalizer) Station(item weather.Item) (weather.Station, error) {
	id, ok, err := decodeInt(item[stationRefKey])
	if err != nil || !ok {
		return weather.Station{}, requiredErr(stationRefKey, err)
	}
	st := weather.Station{ID: id}

	name, ok, err := decodeString(item[stationNameKey])
	if err != nil || !ok {
		return weather.Station{}, requiredErr(stationNameKey, err)
	}
	st.Name = name

	if st.Latitude, ok, err = decodeFloat(item[stationLatKey]); err != nil || !ok {
		return weather.Station{}, requiredErr(stationLatKey, err)
	}
	if st.Longitude, ok, err = decodeFloat(item[stationLongKey]); err != nil || !ok {
		return weather.Station{}, requiredErr(stationLongKey, err)
	}

	if unknown := n.unknownKeys(item, knownStationKeys); len(unknown) > 0 {
		n.logger.Debug("ignoring unknown station fields", zap.Int64("station_id", id), zap.Strings("fields", unknown))
	}
	return st, nil
}

func requiredErr(key string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %v", weather.ErrMalformedItem, key, cause)
	}
	return fmt.Errorf("%w: missing %s", weather.ErrMalformedItem, key)
}

func (n *Normalizer) unknownKeys(item weather.Item, known map[string]struct{}) []string {
	var unknown []string
	for key := range item {
		if _, ok := known[key]; ok {
			continue
		}
		unknown = append(unknown, key)
		if n.observer != nil {
			n.observer.ObserveUnknownField(key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func text(target func(*weather.MeasurementRow) *sql.NullString) func(*weather.MeasurementRow, json.RawMessage) (bool, error) {
	return func(row *weather.MeasurementRow, raw json.RawMessage) (bool, error) {
		v, ok, err := decodeString(raw)
		if err != nil || !ok {
			return false, err
		}
		*target(row) = sql.NullString{String: v, Valid: true}
		return true, nil
	}
}

func number(target func(*weather.MeasurementRow) *sql.NullFloat64) func(*weather.MeasurementRow, json.RawMessage) (bool, error) {
	return func(row *weather.MeasurementRow, raw json.RawMessage) (bool, error) {
		v, ok, err := decodeFloat(raw)
		if err != nil || !ok {
			return false, err
		}
		*target(row) = sql.NullFloat64{Float64: v, Valid: true}
		return true, nil
	}
}

func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeString(raw json.RawMessage) (string, bool, error) {
	if absent(raw) {
		return "", false, nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("want string, got %s", raw)
	}
	return v, true, nil
}

func decodeFloat(raw json.RawMessage) (float64, bool, error) {
	if absent(raw) {
		return 0, false, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, fmt.Errorf("want number, got %s", raw)
	}
	return v, true, nil
}

func decodeInt(raw json.RawMessage) (int64, bool, error) {
	if absent(raw) {
		return 0, false, nil
	}
	// json.Number also accepts quoted digits; ids must be JSON numbers.
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return 0, false, fmt.Errorf("want integer, got %s", raw)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, false, fmt.Errorf("want integer, got %s", raw)
	}
	v, err := num.Int64()
	if err != nil {
		return 0, false, fmt.Errorf("want integer, got %s", raw)
	}
	return v, true, nil
}
