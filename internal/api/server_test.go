package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/config"
	"github.com/telquery/simgate/internal/simquery"
)

const testICCID = "8988303000000000001"

type fakeQuerier struct {
	result    simquery.QueryResult
	err       error
	lastICCID string
	resets    []string
}

func (q *fakeQuerier) Query(_ context.Context, iccid string) (simquery.QueryResult, error) {
	q.lastICCID = iccid
	if q.err != nil {
		return simquery.QueryResult{}, q.err
	}
	return q.result, nil
}

func (q *fakeQuerier) ResetFailures(iccid string) int {
	q.resets = append(q.resets, iccid)
	return 3
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(querier Querier) *Server {
	return NewServer(querier, fixedClock{now: time.Unix(1000, 0)}, config.ServerConfig{
		Port:           10000,
		RatePerMinute:  600,
		RateBurst:      600,
		TimeoutSeconds: 5,
	}, zap.NewNop())
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "203.0.113.10:44321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestQuerySim_SuccessJSONBody(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{result: simquery.QueryResult{
		ICCID:    testICCID,
		CardType: "prepaid",
		Location: "Taipei",
		Status:   "active",
	}}
	srv := newTestServer(querier)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/query-sim", `{"iccid":"`+testICCID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testICCID, querier.lastICCID)

	var got simquery.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "prepaid", got.CardType)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestQuerySim_QueryParamAlsoAccepted(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{result: simquery.QueryResult{ICCID: testICCID, Status: "active"}}
	srv := newTestServer(querier)

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/query-sim?iccid="+testICCID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testICCID, querier.lastICCID)
}

func TestQuerySim_ErrorStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind   simquery.Kind
		status int
	}{
		{simquery.KindInvalidInput, http.StatusBadRequest},
		{simquery.KindRemoteRejected, http.StatusBadRequest},
		{simquery.KindDenied, http.StatusTooManyRequests},
		{simquery.KindNoData, http.StatusNotFound},
		{simquery.KindAuthFailure, http.StatusInternalServerError},
		{simquery.KindSessionInvalid, http.StatusInternalServerError},
		{simquery.KindTimeout, http.StatusInternalServerError},
		{simquery.KindUnavailable, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			querier := &fakeQuerier{err: simquery.NewError(tc.kind, "do something", errors.New("detail"))}
			srv := newTestServer(querier)

			rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/query-sim", `{"iccid":"`+testICCID+`"}`)
			require.Equal(t, tc.status, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, string(tc.kind), body.Error)
			require.Equal(t, "do something", body.Suggestion)
			require.NotEmpty(t, body.Details)
		})
	}
}

func TestQuerySim_DeniedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{err: simquery.NewError(simquery.KindDenied, "reset it", errors.New("tripped"))}
	srv := newTestServer(querier)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/query-sim", `{"iccid":"`+testICCID+`"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestResetFailures(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{}
	srv := newTestServer(querier)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/failures/"+testICCID+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{testICCID}, querier.resets)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(3), body["dropped"])
}

func TestResetFailures_RejectsMalformedIdentifier(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{}
	srv := newTestServer(querier)

	rec := doRequest(t, srv.Handler(), http.MethodPost, "/api/failures/bogus/reset", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, querier.resets)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&fakeQuerier{})

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "uptime_seconds")
	require.Contains(t, body, "heap_alloc_mb")
}

func TestRateLimit_TripsAfterBudget(t *testing.T) {
	t.Parallel()

	querier := &fakeQuerier{result: simquery.QueryResult{ICCID: testICCID, Status: "active"}}
	srv := NewServer(querier, fixedClock{now: time.Unix(1000, 0)}, config.ServerConfig{
		Port:           10000,
		RatePerMinute:  15,
		RateBurst:      2,
		TimeoutSeconds: 5,
	}, zap.NewNop())

	var saw429 bool
	for i := 0; i < 5; i++ {
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/api/query-sim?iccid="+testICCID, "")
		if rec.Code == http.StatusTooManyRequests {
			saw429 = true
			require.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	require.True(t, saw429, "burst of 2 must not survive 5 quick requests")
}

func TestRateLimit_HealthIsExempt(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeQuerier{}, fixedClock{now: time.Unix(1000, 0)}, config.ServerConfig{
		Port:           10000,
		RatePerMinute:  15,
		RateBurst:      1,
		TimeoutSeconds: 5,
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		rec := doRequest(t, srv.Handler(), http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
