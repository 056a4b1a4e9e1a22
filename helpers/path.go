package helpers

import (
	"net/url"
	"strings"
)

// DecodeRequestPath percent-decodes a path received in a request header and
// strips a literal surrounding quote pair, if present. Undecodable input is
// returned as-is; clients that never encode must keep working.
func DecodeRequestPath(raw string) string {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		decoded = raw
	}

	if len(decoded) > 2 && strings.HasPrefix(decoded, `"`) && strings.HasSuffix(decoded, `"`) {
		decoded = decoded[1 : len(decoded)-1]
	}

	return decoded
}
