package gdb

import (
	"testing"

	"github.com/calldwell/calldwell/internal/gdbmi"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		kind    gdbmi.Kind
		message string
		payload any
		token   string
	}{
		{
			name:    "result done",
			line:    `^done`,
			kind:    gdbmi.KindResult,
			message: "done",
		},
		{
			name:    "result with payload",
			line:    `^done,value="0x20000000 <_SEGGER_RTT>"`,
			kind:    gdbmi.KindResult,
			message: "done",
			payload: `value="0x20000000 <_SEGGER_RTT>"`,
		},
		{
			name:    "exec async stopped",
			line:    `*stopped,reason="breakpoint-hit",bkptno="1"`,
			kind:    gdbmi.KindNotify,
			message: "stopped",
			payload: `reason="breakpoint-hit",bkptno="1"`,
		},
		{
			name:    "notify async",
			line:    `=breakpoint-modified,bkpt={number="1"}`,
			kind:    gdbmi.KindNotify,
			message: "breakpoint-modified",
			payload: `bkpt={number="1"}`,
		},
		{
			name:    "console stream",
			line:    `~"Reading symbols from test.elf...\n"`,
			kind:    gdbmi.KindConsole,
			payload: `Reading symbols from test.elf...\n`,
		},
		{
			name:    "log stream",
			line:    `&"warning: something\n"`,
			kind:    gdbmi.KindLog,
			payload: `warning: something\n`,
		},
		{
			name:    "target stream",
			line:    `@"target says hi"`,
			kind:    gdbmi.KindTarget,
			payload: `target says hi`,
		},
		{
			name: "prompt marker",
			line: `(gdb) `,
			kind: gdbmi.KindDone,
		},
		{
			name:    "tokenized result",
			line:    `42^running`,
			kind:    gdbmi.KindResult,
			message: "running",
			token:   "42",
		},
		{
			name:    "non-mi output",
			line:    `some stray text`,
			kind:    gdbmi.KindOutput,
			payload: `some stray text`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.line)
			if got.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", got.Kind, tc.kind)
			}
			if tc.message == "" {
				if got.Message != nil && *got.Message != "" {
					t.Fatalf("unexpected message %q", *got.Message)
				}
			} else if got.Message == nil || *got.Message != tc.message {
				t.Fatalf("message = %v, want %q", got.Message, tc.message)
			}
			if tc.payload == nil {
				if got.Payload != nil {
					t.Fatalf("unexpected payload %v", got.Payload)
				}
			} else if got.Payload != tc.payload {
				t.Fatalf("payload = %v, want %v", got.Payload, tc.payload)
			}
			if tc.token == "" {
				if got.Token != nil {
					t.Fatalf("unexpected token %q", *got.Token)
				}
			} else if got.Token == nil || *got.Token != tc.token {
				t.Fatalf("token = %v, want %q", got.Token, tc.token)
			}
		})
	}
}

func TestClassify_UnescapedConsolePayload(t *testing.T) {
	r := Classify(`~"line one\nline two\n"`)
	if got := r.UnescapedPayload(true); got != "line one\nline two" {
		t.Fatalf("unescaped = %q", got)
	}
}
