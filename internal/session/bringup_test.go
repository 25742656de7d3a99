package session

import (
	"errors"
	"testing"
)

func TestBringUp_EachStepFailureAborts(t *testing.T) {
	steps := []string{
		"SetBreakpoint",
		"ContinueProgram",
		"FinishFunction",
		"StartRTTServer",
		"SetupRTT",
		"StartRTT",
	}
	for _, failing := range steps {
		t.Run(failing, func(t *testing.T) {
			h := newHarness()
			h.stepErr = map[string]error{failing: errors.New("injected")}
			cfg := h.config()
			cfg.setDefaults()
			trace, err := bringUp(&cfg, &fakeDebugger{h: h}, 0x20000400)
			if trace != nil {
				t.Fatalf("no trace channel must be returned")
			}
			if categoryOf(t, err) != CategoryBringUp {
				t.Fatalf("category = %v", categoryOf(t, err))
			}
			if h.traceDials != 0 {
				t.Fatalf("trace channel dialed despite failed bring-up")
			}
			// The failing step is the last one attempted.
			if last := h.calls[len(h.calls)-1]; last != failing {
				t.Fatalf("last call = %q, want %q (calls %v)", last, failing, h.calls)
			}
		})
	}
}

func TestBringUp_StopOutsideBreakpointDistinctFromTimeout(t *testing.T) {
	h := newHarness()
	h.waitErr = errors.New("stopped on signal")
	cfg := h.config()
	cfg.setDefaults()
	_, err := bringUp(&cfg, &fakeDebugger{h: h}, 0x20000400)
	if categoryOf(t, err) != CategoryBringUp {
		t.Fatalf("category = %v", categoryOf(t, err))
	}
	if !errors.Is(err, h.waitErr) {
		t.Fatalf("underlying stop cause lost: %v", err)
	}
}

func TestBringUp_UsesConfiguredEndpoint(t *testing.T) {
	h := newHarness()
	cfg := h.config()
	cfg.setDefaults()
	trace, err := bringUp(&cfg, &fakeDebugger{h: h}, 0x20000400)
	if err != nil {
		t.Fatalf("bring-up: %v", err)
	}
	if trace != h.trace {
		t.Fatalf("unexpected trace channel")
	}
	if last := h.calls[len(h.calls)-1]; last != "DialTrace(192.168.1.7:19021)" {
		t.Fatalf("trace dialed against %q", last)
	}
}
