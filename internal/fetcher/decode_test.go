package fetcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"items": [
			{"id": 1, "weather_stn_id": 10, "ambient_temp": 12.5},
			"not-an-object",
			null,
			{"id": 2}
		],
		"next": {"$ref": "https://apex.example.com/measurements/10?page=2"}
	}`)

	page, err := Decode("https://apex.example.com/measurements/10", body)
	require.NoError(t, err)
	require.Equal(t, "https://apex.example.com/measurements/10", page.URL)
	require.Len(t, page.Items, 2)
	require.Equal(t, 2, page.Dropped)
	require.JSONEq(t, `12.5`, string(page.Items[0]["ambient_temp"]))
	require.Equal(t, "https://apex.example.com/measurements/10?page=2", page.Next)
}

func TestDecodeNextVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "absent", body: `{"items":[]}`, want: ""},
		{name: "null", body: `{"items":[],"next":null}`, want: ""},
		{name: "object without ref", body: `{"items":[],"next":{}}`, want: ""},
		{name: "empty string", body: `{"items":[],"next":""}`, want: ""},
		{name: "bare string", body: `{"items":[],"next":"https://h/p2"}`, want: "https://h/p2"},
		{name: "relative ref", body: `{"items":[],"next":{"$ref":"p2?offset=25"}}`, want: "https://h/api/p2?offset=25"},
		{name: "root relative ref", body: `{"items":[],"next":{"$ref":"/other"}}`, want: "https://h/other"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			page, err := Decode("https://h/api/p1", []byte(tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.want, page.Next)
		})
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ``},
		{name: "top-level array", body: `[{"items":[]}]`},
		{name: "top-level string", body: `"items"`},
		{name: "python literal", body: `{'items': [], 'next': None}`},
		{name: "missing items", body: `{"next":null}`},
		{name: "null items", body: `{"items":null}`},
		{name: "items not array", body: `{"items":{"id":1}}`},
		{name: "next number", body: `{"items":[],"next":42}`},
		{name: "ref not string", body: `{"items":[],"next":{"$ref":7}}`},
		{name: "truncated", body: `{"items":[{"id":1}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode("https://h/p1", []byte(tc.body))
			require.ErrorIs(t, err, weather.ErrMalformedPayload)
		})
	}
}
