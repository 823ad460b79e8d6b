package checks

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// GateResult is the outcome of a full gate run.
type GateResult struct {
	Passed     bool     `json:"passed"`
	Checks     []Result `json:"checks"`
	FailedGate string   `json:"failed_gate,omitempty"`
	Position   int      `json:"position,omitempty"` // 1-based position of the failing gate
	ExitCode   int      `json:"exit_code"`
	Log        string   `json:"-"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RunGate runs gates in order and stops at the first non-zero exit. The
// returned result always carries the accumulated log, partial on failure.
func (r *Runner) RunGate(ctx context.Context, dir string, gates []Gate) (*GateResult, error) {
	var log strings.Builder
	gate := &GateResult{Passed: true}

	for i, g := range gates {
		res, err := r.runOnce(ctx, dir, g, i+1, &log)
		if err != nil {
			gate.Passed = false
			gate.Log = log.String()
			return gate, err
		}
		gate.Checks = append(gate.Checks, *res)

		if !res.Passed {
			r.logger.Warn("gate failed",
				zap.String("gate", g.Name),
				zap.Int("position", res.Position),
				zap.Int("exit_code", res.ExitCode),
				zap.Int("duration_ms", res.DurationMs))
			gate.Passed = false
			gate.FailedGate = g.Name
			gate.Position = res.Position
			gate.ExitCode = res.ExitCode
			break
		}
		r.logger.Info("gate passed", zap.String("gate", g.Name), zap.Int("duration_ms", res.DurationMs))
	}

	gate.Log = log.String()
	return gate, nil
}
