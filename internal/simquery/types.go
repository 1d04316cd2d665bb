package simquery

import (
	"fmt"
	"strings"
	"time"
)

// FieldMissing is the sentinel written for any field no selector could
// resolve. It is deliberately not the empty string, so "field present but
// blank" stays distinguishable from "field absent".
const FieldMissing = "N/A"

// Token is one opaque credential issued by the target site, carried as a
// cookie on every authenticated request.
type Token struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Session is the credential set representing an authenticated connection to
// the CRM. Owned exclusively by the SessionStore and never persisted across
// process restarts.
type Session struct {
	Tokens     []Token
	AcquiredAt time.Time
}

// Empty reports whether the session carries no credentials.
func (s Session) Empty() bool {
	return len(s.Tokens) == 0
}

// Stale reports whether the session is unusable at the given instant.
func (s Session) Stale(now time.Time, ttl time.Duration) bool {
	return s.Empty() || now.Sub(s.AcquiredAt) > ttl
}

// CookieHeader renders the token set as a Cookie header value, preserving
// token order.
func (s Session) CookieHeader() string {
	parts := make([]string, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		parts = append(parts, fmt.Sprintf("%s=%s", t.Name, t.Value))
	}
	return strings.Join(parts, "; ")
}

// FetchMode identifies which fetch strategy produced a document.
type FetchMode string

// Fetch modes reported in logs and metrics.
const (
	ModeHTTP       FetchMode = "http"
	ModeAutomation FetchMode = "automation"
)

// RawDocument is a fetched query page, already decoded to UTF-8 from the
// site's legacy encoding.
type RawDocument struct {
	HTML        string
	StatusCode  int
	Mode        FetchMode
	ContentHash string
	Duration    time.Duration
}

// QueryResult is the structured record scraped from a query page.
// Immutable once constructed.
type QueryResult struct {
	ICCID            string `json:"iccid"`
	CardType         string `json:"cardType"`
	Location         string `json:"location"`
	Status           string `json:"status"`
	ActivationTime   string `json:"activationTime"`
	CancellationTime string `json:"cancellationTime"`
	UsageMB          string `json:"usageMB"`
	RawSnippet       string `json:"rawData"`
}

// Empty reports whether all three primary identity fields are unresolved.
// An empty result triggers the automation fallback and, after both modes,
// becomes the no-data verdict.
func (r QueryResult) Empty() bool {
	return r.CardType == FieldMissing && r.Location == FieldMissing && r.Status == FieldMissing
}

// FieldSelector binds one result field to a structural selector on the query
// page. The selector map is collaborator configuration, not core logic; it
// changes whenever the upstream site does.
type FieldSelector struct {
	Field    string `mapstructure:"field"`
	Selector string `mapstructure:"selector"`
	Default  string `mapstructure:"default"`
}
