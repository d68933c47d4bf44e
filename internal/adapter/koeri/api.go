package koeri

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

// apiProviderURL marks records that came from the JSON API.
const apiProviderURL = "koeri-json-api"

// Field synonyms in API items, in precedence order.
var (
	dateKeys     = []string{"date", "Date", "datetime", "time", "date_time"}
	latKeys      = []string{"latitude", "lat", "Latitude"}
	lonKeys      = []string{"longitude", "lng", "lon", "Longitude"}
	depthKeys    = []string{"depth", "Depth", "depth_km", "km"}
	locationKeys = []string{"location", "title", "place", "Location", "region"}
	genericKeys  = []string{"mag", "Magnitude", "magnitude"}
)

// fetchAPI probes the API paths in order and returns the first non-empty
// list, newest first.
func (c *Client) fetchAPI(ctx context.Context) ([]domain.Earthquake, error) {
	base := strings.TrimRight(c.cfg.APIBase, "/")
	var lastErr error
	for _, path := range apiPaths {
		list, err := c.fetchAPIPath(ctx, base+path)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(list) > 0 {
			return list, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoRecords
	}
	return nil, fmt.Errorf("koeri api: %w", lastErr)
}

func (c *Client) fetchAPIPath(ctx context.Context, apiURL string) ([]domain.Earthquake, error) {
	ctx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()

	body, err := source.FetchBody(ctx, c.httpClient, apiURL)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", apiURL, err)
	}

	list := make([]domain.Earthquake, 0, len(items))
	for _, it := range items {
		eq, err := domain.ParseRawQuake(domain.SourceKOERI, mapItem(it))
		if err != nil {
			continue
		}
		list = append(list, eq)
	}
	slices.SortStableFunc(list, func(a, b domain.Earthquake) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	return list, nil
}

// decodeItems accepts a top-level array or an object holding the array
// under "result" or "data".
func decodeItems(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var arr []any
	switch t := v.(type) {
	case []any:
		arr = t
	case map[string]any:
		for _, key := range []string{"result", "data"} {
			if a, ok := t[key].([]any); ok {
				arr = a
				break
			}
		}
	}
	if arr == nil {
		return nil, errors.New("no earthquake array in response")
	}

	items := make([]map[string]any, 0, len(arr))
	for _, a := range arr {
		if m, ok := a.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items, nil
}

func mapItem(it map[string]any) domain.RawQuake {
	raw := domain.RawQuake{
		Date:        first(it, dateKeys),
		Latitude:    first(it, latKeys),
		Longitude:   first(it, lonKeys),
		Depth:       first(it, depthKeys),
		MW:          first(it, []string{"mw"}),
		ML:          first(it, []string{"ml"}),
		MD:          first(it, []string{"md"}),
		Location:    first(it, locationKeys),
		ProviderURL: apiProviderURL,
	}
	// Scale-specific values win over a generic magnitude in API items.
	if raw.MW == "" && raw.ML == "" && raw.MD == "" {
		raw.Magnitude = first(it, genericKeys)
	}
	if raw.Latitude == "" || raw.Longitude == "" {
		if lon, lat, ok := geoJSONPoint(it); ok {
			raw.Longitude, raw.Latitude = lon, lat
		}
	}
	return raw
}

// geoJSONPoint reads geojson.coordinates as [lon, lat].
func geoJSONPoint(it map[string]any) (lon, lat string, ok bool) {
	g, _ := it["geojson"].(map[string]any)
	coords, _ := g["coordinates"].([]any)
	if len(coords) < 2 {
		return "", "", false
	}
	return scalar(coords[0]), scalar(coords[1]), true
}

func first(it map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := it[k]; ok && v != nil {
			if s := scalar(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool, nil, map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
