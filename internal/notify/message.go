package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/shapesync/internal/protocol"
)

// Summary describes a shape at the moment a notification is sent.
type Summary struct {
	Shape   string
	Rows    int
	Offset  protocol.Offset
	Handle  string
	Elapsed time.Duration
}

// FormatSyncedMessage creates the body sent when a shape first catches up.
func FormatSyncedMessage(s Summary) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Rows: %d\n", s.Rows))
	sb.WriteString(fmt.Sprintf("Offset: %s\n", s.Offset))
	sb.WriteString(fmt.Sprintf("Handle: %s\n", s.Handle))
	sb.WriteString(fmt.Sprintf("Duration: %s", s.Elapsed.Round(time.Millisecond)))

	return sb.String()
}

// FormatFailureMessage creates the body sent when a stream stops on error.
func FormatFailureMessage(s Summary, err error) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Rows: %d\n", s.Rows))
	sb.WriteString(fmt.Sprintf("Last offset: %s\n", s.Offset))
	if s.Handle != "" {
		sb.WriteString(fmt.Sprintf("Handle: %s\n", s.Handle))
	}
	sb.WriteString(fmt.Sprintf("Running for: %s", s.Elapsed.Round(time.Second)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
