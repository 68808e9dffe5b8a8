package ingest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// StationIDPlaceholder is substituted with a station's id in the measurements URL.
const StationIDPlaceholder = "{station_id}"

// StationURL builds the first measurements page for stationID. Without a
// placeholder the id is appended as a path segment.
func StationURL(template string, stationID int64) (string, error) {
	id := strconv.FormatInt(stationID, 10)
	if strings.Contains(template, StationIDPlaceholder) {
		return strings.ReplaceAll(template, StationIDPlaceholder, id), nil
	}
	joined, err := url.JoinPath(template, id)
	if err != nil {
		return "", fmt.Errorf("build measurements url for station %d: %w", stationID, err)
	}
	return joined, nil
}
