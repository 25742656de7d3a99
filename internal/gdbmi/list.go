package gdbmi

import (
	"fmt"
	"strings"
)

// List is an ordered, append-only collection of responses preserving
// arrival order. Indexing and ranging work as for any slice.
type List []Response

// OfKind returns the responses with the given kind, preserving relative
// order.
func (l List) OfKind(kind Kind) List {
	var out List
	for _, r := range l {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Results returns only result-type responses.
func (l List) Results() List { return l.OfKind(KindResult) }

// Notifications returns only notify-type responses.
func (l List) Notifications() List { return l.OfKind(KindNotify) }

// Console returns only console-stream responses.
func (l List) Console() List { return l.OfKind(KindConsole) }

// Logs returns only log-stream responses.
func (l List) Logs() List { return l.OfKind(KindLog) }

// Outputs returns only output responses.
func (l List) Outputs() List { return l.OfKind(KindOutput) }

// Target returns only target-stream responses.
func (l List) Target() List { return l.OfKind(KindTarget) }

// Contains reports whether any response on the list is similar to the
// template. See Response.Similar for the comparison rules.
func (l List) Contains(template Response) bool {
	for _, r := range l {
		if r.Similar(template) {
			return true
		}
	}
	return false
}

// PayloadStrings returns the stringified payload of every response in
// order. When unescape is true, escaped characters in each payload are
// replaced to produce human-readable text.
func (l List) PayloadStrings(unescape bool) []string {
	payloads := make([]string, 0, len(l))
	for _, r := range l {
		if unescape {
			payloads = append(payloads, r.UnescapedPayload(false))
		} else {
			payloads = append(payloads, r.payloadString())
		}
	}
	return payloads
}

// PayloadString joins the payload text of every response with the given
// separator and trims surrounding whitespace from the result.
func (l List) PayloadString(separator string, unescape bool) string {
	return strings.TrimSpace(strings.Join(l.PayloadStrings(unescape), separator))
}

// Extend appends the other list's responses in order.
func (l *List) Extend(other List) {
	*l = append(*l, other...)
}

func (l List) String() string {
	lines := make([]string, 0, len(l))
	for i, r := range l {
		lines = append(lines, fmt.Sprintf("[%d] %s", i, r))
	}
	return strings.Join(lines, "\n")
}
