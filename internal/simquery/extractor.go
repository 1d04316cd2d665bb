package simquery

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Result field names recognized by the selector map.
const (
	FieldCardType         = "card_type"
	FieldLocation         = "location"
	FieldStatus           = "status"
	FieldActivationTime   = "activation_time"
	FieldCancellationTime = "cancellation_time"
	FieldUsageMB          = "usage_mb"
)

// TableExtractor applies a fixed ordered field-selector map to the parsed
// query page. Each field resolves independently: a missing node yields the
// FieldMissing sentinel (or the field's configured default) instead of
// failing the whole extraction.
type TableExtractor struct {
	selectors  []FieldSelector
	snippetLen int
	logger     *zap.Logger
}

// NewTableExtractor builds an extractor over the configured selector map.
func NewTableExtractor(selectors []FieldSelector, snippetLen int, logger *zap.Logger) *TableExtractor {
	if snippetLen <= 0 {
		snippetLen = 500
	}
	return &TableExtractor{
		selectors:  selectors,
		snippetLen: snippetLen,
		logger:     logger,
	}
}

// Extract maps a raw document to a QueryResult. A document that cannot even
// be parsed produces an all-sentinel result, which classifies as EMPTY.
func (e *TableExtractor) Extract(iccid string, doc RawDocument) QueryResult {
	result := QueryResult{
		ICCID:            iccid,
		CardType:         FieldMissing,
		Location:         FieldMissing,
		Status:           FieldMissing,
		ActivationTime:   FieldMissing,
		CancellationTime: FieldMissing,
		UsageMB:          FieldMissing,
		RawSnippet:       truncate(doc.HTML, e.snippetLen),
	}

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		e.logger.Warn("query page parse failed",
			zap.String("iccid", iccid),
			zap.String("mode", string(doc.Mode)),
			zap.Error(err),
		)
		return result
	}

	for _, fs := range e.selectors {
		value := e.text(parsed, fs)
		switch fs.Field {
		case FieldCardType:
			result.CardType = value
		case FieldLocation:
			result.Location = value
		case FieldStatus:
			result.Status = value
		case FieldActivationTime:
			result.ActivationTime = value
		case FieldCancellationTime:
			result.CancellationTime = value
		case FieldUsageMB:
			result.UsageMB = value
		default:
			e.logger.Warn("selector map names unknown field", zap.String("field", fs.Field))
		}
	}
	return result
}

func (e *TableExtractor) text(parsed *goquery.Document, fs FieldSelector) string {
	value := strings.TrimSpace(parsed.Find(fs.Selector).First().Text())
	if value != "" {
		return value
	}
	if fs.Default != "" {
		return fs.Default
	}
	return FieldMissing
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
