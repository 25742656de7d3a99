package gdb

import (
	"strings"

	"github.com/calldwell/calldwell/internal/gdbmi"
)

// Classify turns one raw GDB/MI output line into a response. Record
// bodies are not parsed: for result and notify records the class name
// becomes the message and the rest of the record stays a raw string
// payload; stream records keep their quoted content (escapes included)
// as the payload.
func Classify(line string) gdbmi.Response {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "(gdb)" {
		return gdbmi.Response{Kind: gdbmi.KindDone, Stream: gdbmi.StreamStdout}
	}

	var token *string
	rest := line
	if digits := leadingDigits(rest); digits != "" {
		t := digits
		token = &t
		rest = rest[len(digits):]
	}

	if rest == "" {
		return output(line, token)
	}

	sigil, body := rest[0], rest[1:]
	switch sigil {
	case '^':
		return record(gdbmi.KindResult, body, token)
	case '*', '=':
		return record(gdbmi.KindNotify, body, token)
	case '~':
		return stream(gdbmi.KindConsole, body, token)
	case '&':
		return stream(gdbmi.KindLog, body, token)
	case '@':
		return stream(gdbmi.KindTarget, body, token)
	default:
		return output(line, token)
	}
}

func record(kind gdbmi.Kind, body string, token *string) gdbmi.Response {
	message, payload, hasPayload := strings.Cut(body, ",")
	r := gdbmi.Response{
		Kind:    kind,
		Stream:  gdbmi.StreamStdout,
		Message: &message,
		Token:   token,
	}
	if hasPayload {
		r.Payload = payload
	}
	return r
}

func stream(kind gdbmi.Kind, body string, token *string) gdbmi.Response {
	payload := body
	if len(payload) >= 2 && payload[0] == '"' && payload[len(payload)-1] == '"' {
		payload = payload[1 : len(payload)-1]
	}
	return gdbmi.Response{
		Kind:    kind,
		Stream:  gdbmi.StreamStdout,
		Payload: payload,
		Token:   token,
	}
}

func output(line string, token *string) gdbmi.Response {
	return gdbmi.Response{
		Kind:    gdbmi.KindOutput,
		Stream:  gdbmi.StreamStdout,
		Payload: line,
		Token:   token,
	}
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
