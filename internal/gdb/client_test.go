package gdb

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/calldwell/calldwell/internal/gdbmi"
)

// neverEOF keeps the scripted stdout open after the transcript runs dry,
// like a live GDB process that has simply gone quiet.
type neverEOF struct{}

func (neverEOF) Read([]byte) (int, error) { select {} }

// newScriptedClient builds a client whose "GDB" output is a fixed
// transcript and whose commands are captured in the returned buffer.
func newScriptedClient(transcript string, cfg Config) (*Client, *bytes.Buffer) {
	var stdin bytes.Buffer
	stdout := io.MultiReader(strings.NewReader(transcript), neverEOF{})
	return NewClient(&stdin, stdout, cfg), &stdin
}

func TestConnectRemote(t *testing.T) {
	c, stdin := newScriptedClient("^connected\n(gdb)\n", Config{})
	if err := c.ConnectRemote("localhost:3333"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := stdin.String(); got != "-target-select extended-remote localhost:3333\n" {
		t.Fatalf("command = %q", got)
	}
}

func TestConnectRemote_Error(t *testing.T) {
	c, _ := newScriptedClient("^error,msg=\"localhost:3333: Connection refused.\"\n(gdb)\n", Config{})
	err := c.ConnectRemote("localhost:3333")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestLoadExecutable(t *testing.T) {
	c, stdin := newScriptedClient("^done\n(gdb)\n^done\n(gdb)\n", Config{})
	if err := c.LoadExecutable("/tmp/test.elf"); err != nil {
		t.Fatalf("load: %v", err)
	}
	commands := strings.Split(strings.TrimSpace(stdin.String()), "\n")
	want := []string{"-file-exec-and-symbols /tmp/test.elf", "-target-download"}
	if len(commands) != len(want) || commands[0] != want[0] || commands[1] != want[1] {
		t.Fatalf("commands = %v", commands)
	}
}

func TestLoadExecutable_FlashTimeout(t *testing.T) {
	// Symbols load fine, then the download never answers.
	c, _ := newScriptedClient("^done\n(gdb)\n", Config{FlashTimeout: 50 * time.Millisecond})
	err := c.LoadExecutable("/tmp/test.elf")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestReadVariable(t *testing.T) {
	c, _ := newScriptedClient("^done,value=\"0x20000400 <_SEGGER_RTT>\"\n(gdb)\n", Config{})
	v, err := c.ReadVariable("_SEGGER_RTT")
	if err != nil {
		t.Fatalf("read variable: %v", err)
	}
	if v.Address != 0x20000400 {
		t.Fatalf("address = %#x", v.Address)
	}
	if v.Name != "_SEGGER_RTT" {
		t.Fatalf("name = %q", v.Name)
	}
}

func TestReadVariable_NotFound(t *testing.T) {
	c, _ := newScriptedClient("^error,msg=\"No symbol \\\"_SEGGER_RTT\\\" in current context.\"\n(gdb)\n", Config{})
	if _, err := c.ReadVariable("_SEGGER_RTT"); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestWaitForBreakpointHit(t *testing.T) {
	transcript := "=thread-created,id=\"1\"\n*stopped,reason=\"breakpoint-hit\",bkptno=\"1\"\n"
	c, _ := newScriptedClient(transcript, Config{})
	if err := c.WaitForBreakpointHit(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestWaitForBreakpointHit_StoppedElsewhere(t *testing.T) {
	c, _ := newScriptedClient("*stopped,reason=\"signal-received\",signal-name=\"SIGSEGV\"\n", Config{})
	err := c.WaitForBreakpointHit()
	if !errors.Is(err, ErrStoppedOutsideBreakpoint) {
		t.Fatalf("expected ErrStoppedOutsideBreakpoint, got %v", err)
	}
}

func TestWaitForBreakpointHit_Timeout(t *testing.T) {
	c, _ := newScriptedClient("=thread-created,id=\"1\"\n", Config{DefaultTimeout: 50 * time.Millisecond})
	err := c.WaitForBreakpointHit()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRTTCommands(t *testing.T) {
	transcript := strings.Repeat("^done\n(gdb)\n", 3)
	c, stdin := newScriptedClient(transcript, Config{})
	if err := c.StartRTTServer(19021, 0); err != nil {
		t.Fatalf("rtt server start: %v", err)
	}
	if err := c.SetupRTT(0x20000400, 0x800, "SEGGER RTT"); err != nil {
		t.Fatalf("rtt setup: %v", err)
	}
	if err := c.StartRTT(); err != nil {
		t.Fatalf("rtt start: %v", err)
	}
	commands := strings.Split(strings.TrimSpace(stdin.String()), "\n")
	want := []string{
		"monitor rtt server start 19021 0",
		`monitor rtt setup 0x20000400 2048 "SEGGER RTT"`,
		"monitor rtt start",
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, commands[i], want[i])
		}
	}
}

func TestResponseRecorderSeesEveryResponse(t *testing.T) {
	seen := make(chan gdbmi.Kind, 8)
	cfg := Config{ResponseRecorder: func(r gdbmi.Response) { seen <- r.Kind }}
	c, _ := newScriptedClient("~\"hello\"\n^done\n(gdb)\n", cfg)
	if err := c.StartRTT(); err != nil {
		t.Fatalf("rtt start: %v", err)
	}
	want := []gdbmi.Kind{gdbmi.KindConsole, gdbmi.KindResult, gdbmi.KindDone}
	for _, k := range want {
		select {
		case got := <-seen:
			if got != k {
				t.Fatalf("recorded %s, want %s", got, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("recorder never saw %s", k)
		}
	}
}
