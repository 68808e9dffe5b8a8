package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

const (
	itemsKey = "items"
	nextKey  = "next"
	refKey   = "$ref"
)

// Decode parses a response envelope. The top level must be a JSON object with an
// items array; next is optional and may be null, a {"$ref": url} object or a string.
// Relative references are resolved against pageURL.
func Decode(pageURL string, body []byte) (weather.Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return weather.Page{}, fmt.Errorf("%w: top-level value is not an object", weather.ErrMalformedPayload)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return weather.Page{}, fmt.Errorf("%w: %v", weather.ErrMalformedPayload, err)
	}

	rawItems, ok := envelope[itemsKey]
	if !ok || isNull(rawItems) {
		return weather.Page{}, fmt.Errorf("%w: missing %q", weather.ErrMalformedPayload, itemsKey)
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(rawItems, &elements); err != nil {
		return weather.Page{}, fmt.Errorf("%w: %q is not an array", weather.ErrMalformedPayload, itemsKey)
	}

	page := weather.Page{URL: pageURL, Items: make([]weather.Item, 0, len(elements))}
	for _, element := range elements {
		var item weather.Item
		if err := json.Unmarshal(element, &item); err != nil || item == nil {
			page.Dropped++
			continue
		}
		page.Items = append(page.Items, item)
	}

	next, err := decodeNext(envelope[nextKey])
	if err != nil {
		return weather.Page{}, err
	}
	if next != "" {
		resolved, err := resolve(pageURL, next)
		if err != nil {
			return weather.Page{}, err
		}
		page.Next = resolved
	}
	return page, nil
}

func decodeNext(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: %q is neither an object nor a string", weather.ErrMalformedPayload, nextKey)
	}
	rawRef, ok := obj[refKey]
	if !ok || isNull(rawRef) {
		return "", nil
	}
	if err := json.Unmarshal(rawRef, &ref); err != nil {
		return "", fmt.Errorf("%w: %q.%q is not a string", weather.ErrMalformedPayload, nextKey, refKey)
	}
	return ref, nil
}

func resolve(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: next reference %q: %v", weather.ErrMalformedPayload, ref, err)
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: page url %q: %v", weather.ErrMalformedPayload, base, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
