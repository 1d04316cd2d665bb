package simquery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/metrics"
)

// queryState enumerates the discrete states a request moves through. Each
// transition is a method on Orchestrator so it can be tested in isolation.
type queryState int

const (
	stateCacheCheck queryState = iota
	stateSessionCheck
	stateHTTPFetch
	stateClassify
	stateAutomationFetch
	stateFinalize
)

// queryRun carries the mutable context of one trip through the state machine.
type queryRun struct {
	iccid   string
	session Session
	doc     RawDocument
	result  QueryResult
	err     error

	fromCache       bool
	automationTried bool
	// reauthUsed bounds the SessionInvalid -> SessionCheck retraversal to
	// one per request so a broken site cannot loop us forever.
	reauthUsed   bool
	forceRefresh bool
	// resume is where SessionCheck hands control back after a mid-flight
	// reauthentication.
	resume queryState
}

// Orchestrator ties the session store, fetchers, extractor, cache, and
// failure counter together into the query state machine:
//
//	CacheCheck -> SessionCheck -> HTTPFetch -> Classify
//	    -> [AutomationFetch -> Classify] -> Finalize
//
// with a bounded SessionInvalid edge from either fetch back to SessionCheck,
// and a Denied short-circuit before the machine is entered at all.
type Orchestrator struct {
	sessions  *SessionStore
	cache     *ResultCache
	failures  *FailureCounter
	gate      *Gate
	httpFetch Fetcher
	autoFetch Fetcher
	extractor Extractor
	logger    *zap.Logger
}

// NewOrchestrator wires the query core together.
func NewOrchestrator(
	sessions *SessionStore,
	cache *ResultCache,
	failures *FailureCounter,
	gate *Gate,
	httpFetch Fetcher,
	autoFetch Fetcher,
	extractor Extractor,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		cache:     cache,
		failures:  failures,
		gate:      gate,
		httpFetch: httpFetch,
		autoFetch: autoFetch,
		extractor: extractor,
		logger:    logger,
	}
}

// Query resolves one identifier to a result or a classified error. The shape
// invariant and the deny rule are enforced here, before any queue admission
// or network activity.
func (o *Orchestrator) Query(ctx context.Context, iccid string) (QueryResult, error) {
	if err := CheckICCID(iccid); err != nil {
		metrics.CountQuery(string(KindInvalidInput))
		return QueryResult{}, err
	}
	if o.failures.Denied(iccid) {
		metrics.CountQuery(string(KindDenied))
		return QueryResult{}, NewError(
			KindDenied,
			"try a different ICCID, or ask an operator to reset this one",
			fmt.Errorf("iccid denied after %d consecutive failures", o.failures.Count(iccid)),
		)
	}

	var (
		result QueryResult
		runErr error
	)
	if err := o.gate.Do(ctx, func(taskCtx context.Context) {
		result, runErr = o.run(taskCtx, iccid)
	}); err != nil {
		metrics.CountQuery(string(KindOf(err)))
		return QueryResult{}, err
	}
	return result, runErr
}

// ResetFailures clears a tripped failure counter on behalf of an external
// actor and returns the dropped count.
func (o *Orchestrator) ResetFailures(iccid string) int {
	return o.failures.Reset(iccid)
}

func (o *Orchestrator) run(ctx context.Context, iccid string) (QueryResult, error) {
	run := &queryRun{iccid: iccid, resume: stateHTTPFetch}
	state := stateCacheCheck
	for state != stateFinalize {
		switch state {
		case stateCacheCheck:
			state = o.stateCacheCheck(run)
		case stateSessionCheck:
			state = o.stateSessionCheck(ctx, run)
		case stateHTTPFetch:
			state = o.stateHTTPFetch(ctx, run)
		case stateClassify:
			state = o.stateClassify(run)
		case stateAutomationFetch:
			state = o.stateAutomationFetch(ctx, run)
		}
	}
	return o.finalize(run)
}

func (o *Orchestrator) stateCacheCheck(run *queryRun) queryState {
	if cached, ok := o.cache.Get(run.iccid); ok {
		o.logger.Info("cache hit", zap.String("iccid", run.iccid))
		run.result = cached
		run.fromCache = true
		return stateFinalize
	}
	return stateSessionCheck
}

func (o *Orchestrator) stateSessionCheck(ctx context.Context, run *queryRun) queryState {
	sess, err := o.sessions.Ensure(ctx, run.forceRefresh)
	if err != nil {
		run.err = err
		return stateFinalize
	}
	run.session = sess
	run.forceRefresh = false
	return run.resume
}

func (o *Orchestrator) stateHTTPFetch(ctx context.Context, run *queryRun) queryState {
	doc, err := o.httpFetch.Fetch(ctx, run.iccid, run.session)
	if err == nil {
		run.doc = doc
		metrics.ObserveFetch(string(ModeHTTP), doc.Duration)
		return stateClassify
	}

	switch {
	case IsKind(err, KindSessionInvalid) && !run.reauthUsed:
		o.logger.Warn("session invalid during http fetch, re-authenticating",
			zap.String("iccid", run.iccid))
		run.reauthUsed = true
		run.forceRefresh = true
		run.resume = stateHTTPFetch
		return stateSessionCheck
	case IsKind(err, KindSessionInvalid):
		// Reauth budget spent; let the browser carry its own cookies.
		return stateAutomationFetch
	case KillsSession(err):
		o.logger.Warn("transport failure killed the session",
			zap.String("iccid", run.iccid), zap.Error(err))
		o.sessions.Invalidate()
		run.err = NewError(KindUnavailable, "wait ten seconds and retry", err)
		return stateFinalize
	default:
		run.err = err
		return stateFinalize
	}
}

func (o *Orchestrator) stateClassify(run *queryRun) queryState {
	run.result = o.extractor.Extract(run.iccid, run.doc)
	if !run.result.Empty() {
		run.err = nil
		return stateFinalize
	}
	if !run.automationTried {
		o.logger.Info("no usable data from http mode, falling back to automation",
			zap.String("iccid", run.iccid),
			zap.String("content_hash", run.doc.ContentHash),
		)
		return stateAutomationFetch
	}
	run.err = NewError(
		KindNoData,
		"no data exists for this ICCID, please verify the number",
		fmt.Errorf("no usable data after both fetch modes"),
	)
	return stateFinalize
}

func (o *Orchestrator) stateAutomationFetch(ctx context.Context, run *queryRun) queryState {
	run.automationTried = true
	doc, err := o.autoFetch.Fetch(ctx, run.iccid, run.session)
	if err == nil {
		run.doc = doc
		metrics.ObserveFetch(string(ModeAutomation), doc.Duration)
		return stateClassify
	}

	switch {
	case IsKind(err, KindSessionInvalid) && !run.reauthUsed:
		o.logger.Warn("session invalid during automation fetch, re-authenticating",
			zap.String("iccid", run.iccid))
		run.reauthUsed = true
		run.forceRefresh = true
		run.resume = stateAutomationFetch
		return stateSessionCheck
	case IsKind(err, KindSessionInvalid):
		// The reauth budget is spent and even a fresh session does not hold.
		// Callers see an authentication problem, never the internal kind.
		o.sessions.Invalidate()
		run.err = NewError(KindAuthFailure, "wait a few minutes before retrying", err)
		return stateFinalize
	case KillsSession(err):
		o.sessions.Invalidate()
		run.err = NewError(KindUnavailable, "wait ten seconds and retry", err)
		return stateFinalize
	default:
		run.err = err
		return stateFinalize
	}
}

func (o *Orchestrator) finalize(run *queryRun) (QueryResult, error) {
	if run.err == nil && run.result.Empty() && !run.fromCache {
		// Defensive: a run should never land here empty without an error,
		// but classify it as no-data rather than returning a hollow result.
		run.err = NewError(KindNoData, "no data exists for this ICCID, please verify the number", nil)
	}

	if run.err != nil {
		kind := KindOf(run.err)
		if kind.CountsAgainstIdentifier() {
			count := o.failures.Record(run.iccid)
			o.logger.Warn("query failed",
				zap.String("iccid", run.iccid),
				zap.String("kind", string(kind)),
				zap.Int("consecutive_failures", count),
				zap.Error(run.err),
			)
		} else {
			o.logger.Error("query failed",
				zap.String("iccid", run.iccid),
				zap.String("kind", string(kind)),
				zap.Error(run.err),
			)
		}
		metrics.CountQuery(string(kind))
		return QueryResult{}, run.err
	}

	if !run.fromCache {
		o.cache.Put(run.iccid, run.result)
		o.failures.Clear(run.iccid)
	}
	metrics.CountQuery("ok")
	metrics.SetCacheSize(o.cache.Len())
	o.logger.Info("query succeeded",
		zap.String("iccid", run.iccid),
		zap.String("status", run.result.Status),
		zap.Bool("from_cache", run.fromCache),
		zap.String("mode", string(run.doc.Mode)),
	)
	return run.result, nil
}
