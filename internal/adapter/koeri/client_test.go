package koeri

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/couchcryptid/quake-alert-service/internal/domain"
	"github.com/couchcryptid/quake-alert-service/internal/source"
)

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"

	preListing = `<html><head><title>SON DEPREMLER</title></head><body><pre>
RECENT EARTHQUAKES IN TURKEY
KOERI REGIONAL EARTHQUAKE-TSUNAMI MONITORING CENTER

Tarih      Saat      Enlem(N)  Boylam(E) Derinlik(km)  MD   ML   Mw    Yer                                             Çözüm Niteliği
---------- --------  --------  -------   ----------    ------------    --------------                                  --------------
2024.01.15 12:34:56  39.2050   28.1633       11.0      -.-  3.9  4.0   SINDIRGI (BALIKESİR)                            İlksel
2024.01.15 12:20:01  37.1012   36.9021        7.2      -.-  2.1  -.-   PAZARCIK (KAHRAMANMARAŞ)                        REVIZE01 (2024.01.15 12:25:10)
2024.01.15 12:10:00  38.3      38.2           5.0      -.-  -.-  -.-   YESILYURT (MALATYA)                             İlksel
</pre></body></html>`

	tablePage = `<html><body><table>
<thead><tr><th>Tarih</th><th>Saat</th><th>Enlem</th><th>Boylam</th><th>Derinlik</th><th>MD</th><th>ML</th><th>Mw</th><th>Yer</th></tr></thead>
<tbody><tr><td>2024.01.15</td><td>12:34:56</td><td>39.2050</td><td>28.1633</td><td>11.0</td><td>-.-</td><td>3.9</td><td>-.-</td><td>SINDIRGI (BALIKESIR)</td></tr></tbody>
</table></body></html>`
)

func fastRetry(attempts int) source.RetryPolicy {
	return source.RetryPolicy{MaxAttempts: attempts, Backoff: time.Millisecond, AttemptTimeout: time.Second}
}

func testClient(cfg Config) *Client {
	c := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retry = fastRetry(5)
	c.fallbackRetry = fastRetry(2)
	c.apiTimeout = time.Second
	return c
}

func encode1254(t *testing.T, s string) []byte {
	t.Helper()
	b, err := charmap.Windows1254.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestClient_Fetch_PreformattedWindows1254(t *testing.T) {
	body := encode1254(t, preListing)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, "text/html; charset=windows-1254")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	got, err := testClient(Config{URL: srv.URL}).Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 2, "line without any magnitude is skipped")

	assert.Equal(t, domain.SourceKOERI, got[0].Source)
	assert.Equal(t, 4.0, got[0].Magnitude)
	assert.Equal(t, 11.0, got[0].DepthKm)
	assert.Equal(t, domain.Region{City: "BALIKESİR", District: "SINDIRGI"}, got[0].Region)
	assert.True(t, got[0].OccurredAt.Equal(time.Date(2024, 1, 15, 9, 34, 56, 0, time.UTC)))
	assert.Equal(t, srv.URL, got[0].ProviderURL)

	assert.Equal(t, 2.1, got[1].Magnitude)
	assert.Equal(t, domain.Region{City: "KAHRAMANMARAŞ", District: "PAZARCIK"}, got[1].Region)
}

func TestClient_Fetch_Table(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(tablePage))
	}))
	defer srv.Close()

	got, err := testClient(Config{URL: srv.URL}).Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3.9, got[0].Magnitude)
	assert.Equal(t, "BALIKESIR", got[0].Region.City)
}

func TestClient_Fetch_FallbackURL(t *testing.T) {
	var primaryHits atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(tablePage))
	}))
	defer fallback.Close()

	got, err := testClient(Config{URL: primary.URL, FallbackURL: fallback.URL}).Fetch(context.Background())

	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(5), primaryHits.Load())
}

func TestClient_Fetch_AllURLsFail(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html><body>bakımda</body></html>`))
	}))
	defer srv.Close()

	_, err := testClient(Config{URL: srv.URL, FallbackURL: srv.URL + "/http"}).Fetch(context.Background())

	require.ErrorIs(t, err, ErrNoRecords)
	assert.Equal(t, int32(7), hits.Load())
}

func TestClient_Fetch_APIFirst(t *testing.T) {
	var scraped atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/last", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	})
	mux.HandleFunc("GET /api/earthquakes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"status":true,"result":[
			{"title":"AKDENIZ","mag":2.4,"depth":7,"date_time":"2024-01-15 11:00:00","geojson":{"type":"Point","coordinates":[30.1,36.0]}},
			{"title":"SINDIRGI (BALIKESIR)","mag":"4.1","ml":3.9,"lat":"39.2","lng":"28.1","date":"2024.01.15 12:34:56"},
			{"title":"broken","date":"2024.01.15 12:00:00"}
		]}`))
	})
	mux.HandleFunc("GET /page", func(w http.ResponseWriter, _ *http.Request) {
		scraped.Add(1)
		_, _ = w.Write([]byte(tablePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := testClient(Config{URL: srv.URL + "/page", APIBase: srv.URL + "/api/"}).Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3.9, got[0].Magnitude, "scale-specific magnitude wins in API items")
	assert.Equal(t, "BALIKESIR", got[0].Region.City)
	assert.Equal(t, apiProviderURL, got[0].ProviderURL)
	assert.Equal(t, 36.0, got[1].Latitude)
	assert.Equal(t, 30.1, got[1].Longitude)
	assert.Equal(t, "AKDENIZ", got[1].Region.City)
	assert.Equal(t, int32(0), scraped.Load())
}

func TestClient_Fetch_APIFailureFallsBackToScraper(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(headerContentType, contentTypeJSON)
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("GET /page", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(tablePage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	got, err := testClient(Config{URL: srv.URL + "/page", APIBase: srv.URL + "/api"}).Fetch(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, srv.URL+"/page", got[0].ProviderURL)
}

func TestDecodeItems(t *testing.T) {
	items, err := decodeItems([]byte(`[{"mag":1}]`))
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = decodeItems([]byte(`{"data":[{"mag":1},{"mag":2}]}`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = decodeItems([]byte(`{"status":false}`))
	assert.Error(t, err)

	_, err = decodeItems([]byte(`<html>`))
	assert.Error(t, err)
}

func TestParseText_StripsSolutionStatus(t *testing.T) {
	rows := parseText("2024.01.15 12:20:01  37.1  36.9  7.2  -.-  2.1  -.-   PAZARCIK (KAHRAMANMARAS)   REVIZE01 (2024.01.15 12:25:10)\n" +
		"15.01.2024 12:00:00 38.0 27.0 5.0 1.9 -.- -.- IZMIR İlksel\n" +
		"header line without data\n" +
		"2024.01.15 12:00:00 38.0 27.0\n")

	require.Len(t, rows, 2)
	assert.Equal(t, "PAZARCIK (KAHRAMANMARAS)", rows[0].Location)
	assert.Equal(t, "IZMIR", rows[1].Location)
	assert.Equal(t, "1.9", rows[1].MD)
}
