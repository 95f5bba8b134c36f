package pricefeed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/forecast/internal/adapters/pricefeed"
	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = domain.Epoch{ID: 4, EndTimestamp: 1_700_000_000}

func quoteServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eth-8h", r.URL.Query().Get("market"))
		assert.Equal(t, "4", r.URL.Query().Get("epoch"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("at"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(sources ...pricefeed.Source) *pricefeed.Client {
	return pricefeed.NewClient(pricefeed.Config{
		Sources:           sources,
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		RetryWait:         time.Millisecond,
	})
}

func TestFetchReports_Success(t *testing.T) {
	a := quoteServer(t, `{"price":2100,"timestamp":1700000005,"confidence":9800}`)
	b := quoteServer(t, `{"price":2102,"timestamp":1700000001,"confidence":9500}`)

	c := newClient(pricefeed.Source{Name: "alpha", URL: a.URL}, pricefeed.Source{Name: "beta", URL: b.URL})
	reports, err := c.FetchReports(context.Background(), "eth-8h", epoch)

	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, domain.OraclePrice{Price: 2100, Timestamp: 1700000005, Source: "alpha", Confidence: 9800}, reports[0])
	assert.Equal(t, "beta", reports[1].Source)
}

func TestFetchReports_SkipsStaleAndFailing(t *testing.T) {
	stale := quoteServer(t, `{"price":2100,"timestamp":1699999999,"confidence":9800}`)
	good := quoteServer(t, `{"price":2100,"timestamp":1700000000,"confidence":9000}`)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	c := newClient(
		pricefeed.Source{Name: "stale", URL: stale.URL},
		pricefeed.Source{Name: "down", URL: down.URL},
		pricefeed.Source{Name: "good", URL: good.URL},
	)
	reports, err := c.FetchReports(context.Background(), "eth-8h", epoch)

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "good", reports[0].Source)
}

func TestFetchReports_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"price":1900,"timestamp":1700000000,"confidence":9000}`))
	}))
	defer srv.Close()

	reports, err := newClient(pricefeed.Source{Name: "flaky", URL: srv.URL}).
		FetchReports(context.Background(), "eth-8h", epoch)

	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchReports_AllFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(pricefeed.Source{Name: "x", URL: srv.URL}).
		FetchReports(context.Background(), "eth-8h", epoch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x:")
}

func TestFetchReports_NoSources(t *testing.T) {
	_, err := newClient().FetchReports(context.Background(), "eth-8h", epoch)
	assert.Error(t, err)
}
