package gdbmi

import "testing"

func strptr(s string) *string { return &s }

func TestSimilar_MessageTemplateIgnoresPayloadTokenStream(t *testing.T) {
	actual := Response{
		Kind:    KindResult,
		Stream:  StreamStdout,
		Message: strptr("done"),
		Payload: map[string]any{"bkpt": "1"},
		Token:   strptr("42"),
	}
	if !actual.Similar(WithMessage(KindResult, "done")) {
		t.Fatalf("expected similarity for matching kind+message")
	}
	if actual.Similar(WithMessage(KindResult, "error")) {
		t.Fatalf("expected mismatch for different message")
	}
	if actual.Similar(WithMessage(KindNotify, "done")) {
		t.Fatalf("expected mismatch for different kind")
	}
}

func TestSimilar_MessageTemplateRequiresConcreteMessage(t *testing.T) {
	actual := Response{Kind: KindResult}
	if actual.Similar(WithMessage(KindResult, "done")) {
		t.Fatalf("absent message must not match a set template message")
	}
}

func TestSimilar_PayloadTemplate(t *testing.T) {
	actual := Response{
		Kind:    KindConsole,
		Stream:  StreamStdout,
		Payload: `Reading symbols from test.elf`,
		Token:   strptr("7"),
	}
	if !actual.Similar(WithPayload(KindConsole, `Reading symbols from test.elf`)) {
		t.Fatalf("expected similarity for matching kind+payload")
	}
	if actual.Similar(WithPayload(KindConsole, "other")) {
		t.Fatalf("expected mismatch for different payload")
	}
}

func TestSimilar_StructuredPayloadDeepCompared(t *testing.T) {
	actual := Response{Kind: KindNotify, Payload: map[string]any{"reason": "breakpoint-hit"}}
	if !actual.Similar(WithPayload(KindNotify, map[string]any{"reason": "breakpoint-hit"})) {
		t.Fatalf("expected deep-equal payload to match")
	}
	if actual.Similar(WithPayload(KindNotify, map[string]any{"reason": "exited"})) {
		t.Fatalf("expected different payload map to mismatch")
	}
}

func TestSimilar_KindOnlyTemplateMatchesAnyFields(t *testing.T) {
	template := Response{Kind: KindTarget}
	actual := Response{Kind: KindTarget, Message: strptr("x"), Payload: "y"}
	if !actual.Similar(template) {
		t.Fatalf("template with only kind must match any concrete fields")
	}
}

func TestSimilar_Asymmetry(t *testing.T) {
	concrete := Response{Kind: KindResult, Message: strptr("done"), Payload: "p"}
	template := WithMessage(KindResult, "done")
	if !concrete.Similar(template) {
		t.Fatalf("concrete should match partial template")
	}
	// The reverse direction requires the template to carry the concrete
	// payload, which it does not have.
	if !template.Similar(Response{Kind: KindResult}) {
		t.Fatalf("kind-only template on the right matches anything of that kind")
	}
}

func TestUnescapedPayload(t *testing.T) {
	r := Response{Kind: KindConsole, Payload: `line one\nline two\t\"quoted\"`}
	got := r.UnescapedPayload(true)
	want := "line one\nline two\t\"quoted\""
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestUnescapedPayload_FixedPoint(t *testing.T) {
	r := Response{Kind: KindConsole, Payload: `a\nb\tc`}
	once := r.UnescapedPayload(false)
	again := (Response{Kind: KindConsole, Payload: once}).UnescapedPayload(false)
	if once != again {
		t.Fatalf("unescape is not a fixed point: %q vs %q", once, again)
	}
}

func TestUnescapedPayload_StripControlsTrim(t *testing.T) {
	r := Response{Kind: KindConsole, Payload: `  padded\n`}
	if got := r.UnescapedPayload(true); got != "padded" {
		t.Fatalf("stripped payload = %q", got)
	}
	if got := r.UnescapedPayload(false); got != "  padded\n" {
		t.Fatalf("unstripped payload = %q", got)
	}
}

func TestTemplateConstructorsLeaveOtherFieldsAbsent(t *testing.T) {
	m := WithMessage(KindLog, "msg")
	if m.Payload != nil || m.Token != nil || m.Stream != "" {
		t.Fatalf("WithMessage must leave payload/token/stream absent: %+v", m)
	}
	p := WithPayload(KindLog, "payload")
	if p.Message != nil || p.Token != nil || p.Stream != "" {
		t.Fatalf("WithPayload must leave message/token/stream absent: %+v", p)
	}
}
