package headless

import (
	"context"
	"errors"

	"github.com/telquery/simgate/internal/simquery"
)

// Disabled is the fetcher wired in when browser automation is switched off.
// Every fetch fails with a typed unavailability so the orchestrator surfaces
// the HTTP-tier verdict instead of hanging on a missing browser.
type Disabled struct{}

// Fetch always reports the automation tier as unavailable.
func (Disabled) Fetch(context.Context, string, simquery.Session) (simquery.RawDocument, error) {
	return simquery.RawDocument{}, simquery.NewError(simquery.KindUnavailable,
		"retry in a few minutes",
		errors.New("browser automation is disabled"))
}
