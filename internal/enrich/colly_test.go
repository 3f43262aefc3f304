package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loopdesk/poit-crawler/internal/poit"
)

func detailServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// TestHTTPFetcherExtractsFromSearchEndpoint verifies the happy path
// through the first REST endpoint.
func TestHTTPFetcherExtractsFromSearchEndpoint(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case poit.DetailSearchEndpoint:
			require.Equal(t, "K1-25", r.URL.Query().Get("kungorelseid"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"kungorelse":{"kungorelsetext":"` + sampleText + `"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	f := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: srv.URL})
	detail, err := f.FetchDetail(context.Background(), poit.ResultRow{ID: "K1-25"})
	require.NoError(t, err)
	require.Equal(t, sampleText, detail.Text)
	require.Equal(t, "api", detail.Source)
}

// TestHTTPFetcherPrefersLongerPayload verifies the second endpoint wins
// when it carries more text.
func TestHTTPFetcherPrefersLongerPayload(t *testing.T) {
	t.Parallel()

	longer := sampleText + " Beslutet vinner laga kraft tre veckor efter kungörandet."
	srv := detailServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case poit.DetailSearchEndpoint:
			_, _ = w.Write([]byte(`{"kungorelse":{"text":"` + sampleText + `"}}`))
		case poit.DetailFetchEndpoint:
			_, _ = w.Write([]byte(`{"kungorelse":{"kungorelsetext":"` + longer + `"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	f := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: srv.URL})
	detail, err := f.FetchDetail(context.Background(), poit.ResultRow{ID: "K1-25"})
	require.NoError(t, err)
	require.Equal(t, longer, detail.Text)
}

// TestHTTPFetcherRateLimited verifies a 429 surfaces as ErrRateLimited.
func TestHTTPFetcherRateLimited(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	f := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: srv.URL})
	_, err := f.FetchDetail(context.Background(), poit.ResultRow{ID: "K1-25"})
	require.ErrorIs(t, err, ErrRateLimited)
}

// TestHTTPFetcherEmptyPayloads verifies text-free payloads surface as
// ErrEmptyDetail.
func TestHTTPFetcherEmptyPayloads(t *testing.T) {
	t.Parallel()

	srv := detailServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})

	f := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: srv.URL})
	_, err := f.FetchDetail(context.Background(), poit.ResultRow{ID: "K1-25"})
	require.ErrorIs(t, err, ErrEmptyDetail)
}

// TestHTTPFetcherMissingID fails fast without touching the network.
func TestHTTPFetcherMissingID(t *testing.T) {
	t.Parallel()

	f := NewHTTPFetcher(HTTPFetcherConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := f.FetchDetail(context.Background(), poit.ResultRow{})
	require.Error(t, err)
}
