package protocol

import (
	"fmt"
	"net/http"
	"strings"
)

// MissingHeadersError is returned when a successful response lacks headers
// the protocol requires for the request's mode.
type MissingHeadersError struct {
	URL     string
	Missing []string
}

func (e *MissingHeadersError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("response for %s is missing required headers:\n", e.URL))
	for _, h := range e.Missing {
		sb.WriteString(fmt.Sprintf("  - %s\n", h))
	}
	sb.WriteString("a proxy may be stripping headers; expose them to the client")
	return sb.String()
}

// CheckHeaders verifies that header carries every header required for the
// mode of rawURL. The offset and handle headers are always required; live
// requests also require the cursor header and catch-up requests the schema
// header. Every missing header is reported, not just the first.
func CheckHeaders(rawURL string, header http.Header) error {
	required := []string{HeaderOffset, HeaderHandle}
	if IsLiveURL(rawURL) {
		required = append(required, HeaderCursor)
	} else {
		required = append(required, HeaderSchema)
	}

	var missing []string
	for _, name := range required {
		if !hasHeader(header, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &MissingHeadersError{URL: rawURL, Missing: missing}
	}
	return nil
}
