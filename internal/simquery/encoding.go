package simquery

import (
	"fmt"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// DecodeBody converts a response body to UTF-8 before any marker matching or
// extraction runs. The charset is taken from the Content-Type header or a
// meta tag when one is declared; otherwise the configured site encoding is
// assumed, since the legacy CRM serves multi-byte pages without declaring
// them.
func DecodeBody(body []byte, contentType, siteEncoding string) (string, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && siteEncoding != "" {
		configured, err := htmlindex.Get(siteEncoding)
		if err != nil {
			return "", fmt.Errorf("unknown site encoding %q: %w", siteEncoding, err)
		}
		enc = configured
		name = siteEncoding
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s body: %w", name, err)
	}
	return string(decoded), nil
}
