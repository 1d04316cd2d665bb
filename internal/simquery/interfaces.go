package simquery

import (
	"context"
	"time"
)

// Authenticator drives the login flow against the target site, producing a
// fresh Session or a classified failure.
type Authenticator interface {
	Login(ctx context.Context) (Session, error)
}

// Fetcher retrieves the query page for one identifier using an authenticated
// session. Implementations exist for the lightweight HTTP mode and the full
// browser-automation mode; the orchestrator is agnostic to which one it holds.
type Fetcher interface {
	Fetch(ctx context.Context, iccid string, session Session) (RawDocument, error)
}

// Extractor maps a raw document to a structured result record.
type Extractor interface {
	Extract(iccid string, doc RawDocument) QueryResult
}

// Hasher computes digests used to correlate fetched documents in logs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
