// Package gdbmi models decoded GDB/MI protocol messages and collections of
// them. It deliberately does not parse the MI grammar itself; payloads are
// stored as whatever the transport decoded them into (string, list or map)
// and surfaced literally.
package gdbmi

import (
	"fmt"
	"reflect"
	"strings"
)

// Kind classifies a GDB/MI message.
type Kind string

const (
	KindResult  Kind = "result"
	KindNotify  Kind = "notify"
	KindConsole Kind = "console"
	KindLog     Kind = "log"
	KindOutput  Kind = "output"
	KindTarget  Kind = "target"
	KindDone    Kind = "done"
)

// Stream identifies which stream of the GDB process a message arrived on.
// The zero value means "not set", which is the case for template responses
// built for Similar comparisons.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStdin  Stream = "stdin"
	StreamStderr Stream = "stderr"
)

// Response is a single decoded GDB/MI message. Kind is always present;
// every other field is optional, and an absent field means "don't care"
// when the response is used as a comparison template.
//
// Payload holds one of string, []any or map[string]any. Malformed payload
// types are stored as-is and surfaced literally by stringification.
type Response struct {
	Kind    Kind
	Stream  Stream
	Message *string
	Payload any
	Token   *string
}

// WithMessage returns a Response with only Kind and Message set.
// Use it to build a template for Similar comparisons, never as real output.
func WithMessage(kind Kind, message string) Response {
	return Response{Kind: kind, Message: &message}
}

// WithPayload returns a Response with only Kind and Payload set.
// Use it to build a template for Similar comparisons, never as real output.
func WithPayload(kind Kind, payload any) Response {
	return Response{Kind: kind, Payload: payload}
}

// Similar reports whether r is consistent with the template. The relation
// is asymmetric: kinds must be equal, and the template's message and
// payload are compared only when set. Token and Stream are never compared.
func (r Response) Similar(template Response) bool {
	if r.Kind != template.Kind {
		return false
	}
	if template.Message != nil {
		if r.Message == nil || *r.Message != *template.Message {
			return false
		}
	}
	if template.Payload != nil && !reflect.DeepEqual(r.Payload, template.Payload) {
		return false
	}
	return true
}

// UnescapedPayload returns the payload stringified with the common escape
// sequences (\n, \t, \") replaced by the characters they name. When strip
// is true the result is trimmed of surrounding whitespace.
func (r Response) UnescapedPayload(strip bool) string {
	payload := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`).Replace(r.payloadString())
	if strip {
		return strings.TrimSpace(payload)
	}
	return payload
}

func (r Response) payloadString() string {
	if r.Payload == nil {
		return ""
	}
	return fmt.Sprint(r.Payload)
}

func (r Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", r.Kind)
	if r.Token != nil {
		fmt.Fprintf(&b, " token=%s", *r.Token)
	}
	if r.Stream != "" {
		fmt.Fprintf(&b, " stream=%s", r.Stream)
	}
	if r.Message != nil {
		fmt.Fprintf(&b, " message=%q", *r.Message)
	}
	if r.Payload != nil {
		fmt.Fprintf(&b, " payload=%v", r.Payload)
	}
	return b.String()
}
