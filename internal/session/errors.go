package session

import "fmt"

// Category groups establishment failures the way callers need to react to
// them: transient upload failures are absorbed by the retry loop, all
// other categories abort immediately.
type Category string

const (
	// CategoryConnection covers failures to open the host or debugger
	// connection at all. Fatal, never retried.
	CategoryConnection Category = "connection"
	// CategoryUpload is reported once flashing attempts are exhausted.
	CategoryUpload Category = "upload"
	// CategoryResolution covers a missing required symbol.
	CategoryResolution Category = "resolution"
	// CategoryBringUp covers trace-channel setup failures.
	CategoryBringUp Category = "bring-up"
	// CategoryProtocol covers handshake mismatches: the trace channel
	// cannot be trusted.
	CategoryProtocol Category = "protocol"
	// CategoryUnexpectedMessage covers a mismatch while waiting for test
	// messages after establishment.
	CategoryUnexpectedMessage Category = "unexpected-message"
)

// Error is an establishment failure with enough context to diagnose
// without re-running: which step failed and what went wrong there.
type Error struct {
	Category Category
	Step     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Step)
}

func (e *Error) Unwrap() error { return e.Err }

func failure(category Category, step string, err error) *Error {
	return &Error{Category: category, Step: step, Err: err}
}

func failuref(category Category, step, format string, args ...any) *Error {
	return &Error{Category: category, Step: step, Err: fmt.Errorf(format, args...)}
}
