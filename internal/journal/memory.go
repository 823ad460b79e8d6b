package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucasnoah/patchloop/internal/pipeline"
)

// Memory is an in-process Recorder for tests and dry runs without a database.
type Memory struct {
	mu       sync.Mutex
	runs     map[string]*Run
	attempts map[string][]pipeline.AttemptRecord
}

// NewMemory returns an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*Run),
		attempts: make(map[string][]pipeline.AttemptRecord),
	}
}

func (m *Memory) StartRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("start run: run %s already exists", run.ID)
	}
	run.Result = "running"
	m.runs[run.ID] = &run
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, rec pipeline.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[rec.RunID]; !ok {
		return fmt.Errorf("record attempt: run %s not found", rec.RunID)
	}
	m.attempts[rec.RunID] = append(m.attempts[rec.RunID], rec)
	return nil
}

func (m *Memory) FinishRun(_ context.Context, runID, result, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	r.Result = result
	r.Error = errText
	return nil
}

// Run returns a copy of the stored run, or nil.
func (m *Memory) Run(runID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Attempts returns the recorded attempts of a run.
func (m *Memory) Attempts(runID string) []pipeline.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.AttemptRecord(nil), m.attempts[runID]...)
}
