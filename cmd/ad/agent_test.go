package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/zulandar/agentdesk/internal/dispatch"
)

type fakeSandbox struct {
	calls [][]dispatch.SandboxMessage
	fail  bool
}

func (f *fakeSandbox) Sandbox(_ context.Context, _ string, msgs []dispatch.SandboxMessage) (*dispatch.SandboxResult, error) {
	f.calls = append(f.calls, append([]dispatch.SandboxMessage(nil), msgs...))
	if f.fail {
		return &dispatch.SandboxResult{Status: dispatch.StatusFailed}, nil
	}
	return &dispatch.SandboxResult{Status: dispatch.StatusOK, Output: "resposta " + msgs[len(msgs)-1].Content, Model: "gpt-primary"}, nil
}

func TestRunSandbox_Piped(t *testing.T) {
	s := &fakeSandbox{}
	var out bytes.Buffer
	if err := runSandbox(context.Background(), s, "a1", strings.NewReader("linha um\nlinha dois\n"), &out, false); err != nil {
		t.Fatalf("runSandbox: %v", err)
	}
	if len(s.calls) != 1 || s.calls[0][0].Content != "linha um\nlinha dois" {
		t.Errorf("calls = %+v, want one message with the whole input", s.calls)
	}
	if !strings.Contains(out.String(), "[gpt-primary] resposta linha um") {
		t.Errorf("output = %q", out.String())
	}

	if err := runSandbox(context.Background(), s, "a1", strings.NewReader("  \n"), &out, false); err == nil {
		t.Error("empty piped input accepted")
	}
}

func TestRunSandbox_InteractiveKeepsHistory(t *testing.T) {
	s := &fakeSandbox{}
	var out bytes.Buffer
	if err := runSandbox(context.Background(), s, "a1", strings.NewReader("oi\n\nqual o preco?\n"), &out, true); err != nil {
		t.Fatalf("runSandbox: %v", err)
	}
	if len(s.calls) != 2 {
		t.Fatalf("calls = %d, want 2 (blank lines skipped)", len(s.calls))
	}
	second := s.calls[1]
	if len(second) != 3 || second[1].Content != "resposta oi" || second[2].Content != "qual o preco?" {
		t.Errorf("second turn history = %+v", second)
	}
}

func TestRunSandbox_Failure(t *testing.T) {
	s := &fakeSandbox{fail: true}
	var out bytes.Buffer
	if err := runSandbox(context.Background(), s, "a1", strings.NewReader("oi\n"), &out, true); err == nil {
		t.Error("failed sandbox turn returned nil")
	}
}
