package checks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Output   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx cancellation
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string, out io.Writer) (int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	if r.Block {
		<-ctx.Done()
		return -1, nil
	}
	io.WriteString(out, r.Output)
	return r.ExitCode, r.Err
}

func TestExecRunner_CombinedOutputAndExitCode(t *testing.T) {
	var out bytes.Buffer
	code, err := (&ExecRunner{}).Run(context.Background(), t.TempDir(), "printf 'to-stdout\n'; printf 'to-stderr\n' >&2; exit 3", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
	if !strings.Contains(out.String(), "to-stdout") || !strings.Contains(out.String(), "to-stderr") {
		t.Errorf("expected both streams in output, got %q", out.String())
	}
}

func TestExecRunner_Dir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	code, err := (&ExecRunner{}).Run(context.Background(), dir, "pwd", &out)
	if err != nil || code != 0 {
		t.Fatalf("pwd failed: code=%d err=%v", code, err)
	}
	if !strings.Contains(out.String(), dir[strings.LastIndex(dir, "/")+1:]) {
		t.Errorf("expected output to contain temp dir, got %q", out.String())
	}
}

func TestRunner_StreamsToLiveWriter(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Output: "PASS 12 tests\n"}}}
	var live bytes.Buffer
	runner := NewRunner(mock, &live, nil)

	gate, err := runner.RunGate(context.Background(), "/repo", []Gate{{Name: "tests", Command: "pnpm test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(live.String(), "$ pnpm test") || !strings.Contains(live.String(), "PASS 12 tests") {
		t.Errorf("live output missing command or output: %q", live.String())
	}
	if gate.Log != live.String() {
		t.Errorf("log and live output differ:\nlog:  %q\nlive: %q", gate.Log, live.String())
	}
	if mock.calls[0].Dir != "/repo" {
		t.Errorf("expected dir=/repo, got %q", mock.calls[0].Dir)
	}
}

func TestRunner_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Block: true}}}
	runner := NewRunner(mock, nil, nil)

	gate, err := runner.RunGate(context.Background(), "/repo", []Gate{
		{Name: "tests", Command: "pnpm test", Timeout: 20 * time.Millisecond},
		{Name: "lint", Command: "pnpm lint"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gate.Passed {
		t.Fatal("expected timed-out gate to fail")
	}
	if gate.ExitCode != -1 {
		t.Errorf("expected exit code -1, got %d", gate.ExitCode)
	}
	if !strings.Contains(gate.Checks[0].Summary, "timeout") {
		t.Errorf("expected timeout summary, got %q", gate.Checks[0].Summary)
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected lint to be skipped, got %d calls", len(mock.calls))
	}
}

func TestRunner_ExecError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Output: "partial", Err: errors.New("fork failed")}}}
	runner := NewRunner(mock, nil, nil)

	gate, err := runner.RunGate(context.Background(), "/repo", []Gate{{Name: "tests", Command: "pnpm test"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if gate == nil || gate.Passed {
		t.Fatal("expected a failed gate result alongside the error")
	}
	if !strings.Contains(gate.Log, "partial") {
		t.Errorf("expected partial log, got %q", gate.Log)
	}
}
