package httpmode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/telquery/simgate/internal/hash/sha256"
	"github.com/telquery/simgate/internal/simquery"
)

const testICCID = "8988303000000000001"

func testSession() simquery.Session {
	return simquery.Session{
		Tokens:     []simquery.Token{{Name: "JSESSIONID", Value: "abcdef1234567890"}},
		AcquiredAt: time.Now(),
	}
}

func newTestFetcher(t *testing.T, serverURL string, markers []string) *Fetcher {
	t.Helper()
	f, err := New(Config{
		QueryURL:     serverURL + "/crm/prepaid_enquiry_action_load.jsp",
		QueryParam:   "dat",
		Encoding:     "big5",
		Timeout:      2 * time.Second,
		MaxAttempts:  3,
		BackoffBase:  10 * time.Millisecond,
		LoginMarkers: markers,
	}, sha256.New(), zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFetcher_SendsSessionAndQueryParam(t *testing.T) {
	t.Parallel()

	var gotCookie, gotParam string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotParam = r.URL.Query().Get("dat")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	doc, err := f.Fetch(context.Background(), testICCID, testSession())
	require.NoError(t, err)

	require.Equal(t, "JSESSIONID=abcdef1234567890", gotCookie)
	require.Equal(t, testICCID, gotParam)
	require.Equal(t, simquery.ModeHTTP, doc.Mode)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.NotEmpty(t, doc.ContentHash)
	require.Contains(t, doc.HTML, "ok")
}

func TestFetcher_DecodesLegacyEncoding(t *testing.T) {
	t.Parallel()

	// The CRM serves Big5 without declaring a charset.
	raw, err := traditionalchinese.Big5.NewEncoder().Bytes([]byte("<html><body>已啟用</body></html>"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	doc, err := f.Fetch(context.Background(), testICCID, testSession())
	require.NoError(t, err)
	require.Contains(t, doc.HTML, "已啟用")
}

func TestFetcher_LoginMarkerMeansSessionInvalid(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>請登錄</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, []string{"請登錄", "未授權"})
	_, err := f.Fetch(context.Background(), testICCID, testSession())
	require.Error(t, err)
	require.Equal(t, simquery.KindSessionInvalid, simquery.KindOf(err))
}

func TestFetcher_NonSuccessStatusIsRemoteRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	_, err := f.Fetch(context.Background(), testICCID, testSession())
	require.Error(t, err)
	require.Equal(t, simquery.KindRemoteRejected, simquery.KindOf(err))
}

func TestFetcher_RetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	doc, err := f.Fetch(context.Background(), testICCID, testSession())
	require.NoError(t, err)
	require.Contains(t, doc.HTML, "ok")
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetcher_ExhaustedRateLimitRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	_, err := f.Fetch(context.Background(), testICCID, testSession())
	require.Error(t, err)
	require.Equal(t, simquery.KindRemoteRejected, simquery.KindOf(err))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls), "one try per configured attempt")
}

func TestFetcher_CanceledBackoffReportsTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, testICCID, testSession())
	require.Error(t, err)
	require.Equal(t, simquery.KindTimeout, simquery.KindOf(err))
}

func TestFetcher_ConnectionRefusedIsUnavailable(t *testing.T) {
	t.Parallel()

	// A server that is already gone never reaches status classification.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := newTestFetcher(t, srv.URL, nil)
	_, err := f.Fetch(context.Background(), testICCID, testSession())
	require.Error(t, err)
	require.Equal(t, simquery.KindUnavailable, simquery.KindOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	require.Equal(t, time.Duration(0), parseRetryAfter(nil))
}

func TestBackoff_GrowsWithoutServerHint(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, "http://127.0.0.1:0", nil)
	require.Equal(t, 10*time.Millisecond, f.backoff(1, 0))
	require.Equal(t, 20*time.Millisecond, f.backoff(2, 0))
	require.Equal(t, 40*time.Millisecond, f.backoff(3, 0))
	require.Equal(t, time.Minute, f.backoff(1, time.Minute), "a server hint overrides the schedule")
}
