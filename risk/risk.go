// Package risk scores student performance records.
package risk

import (
	"math"
	"sync"
)

const (
	marksWeight      = 0.6
	attendanceWeight = 0.4
)

// Predict returns the risk score for the given marks and attendance, both
// percentages. Inputs are clamped to [0, 100]; the result is in [0, 1] and
// rounded to three decimals. Low marks and low attendance mean high risk.
func Predict(marks, attendance float64) float64 {
	m := clamp(marks, 0, 100)
	a := clamp(attendance, 0, 100)

	score := 1 - (marksWeight*m/100 + attendanceWeight*a/100)
	score = clamp(score, 0, 1)
	return math.Round(score*1000) / 1000
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Engine holds the process-wide model version. The version is only ever
// advanced through Rebuild, which increments and reads under one lock.
type Engine struct {
	mu      sync.Mutex
	version int64
}

// NewEngine creates an engine starting at the given version.
func NewEngine(version int64) *Engine {
	if version < 1 {
		version = 1
	}
	return &Engine{version: version}
}

// Predict scores a record with the current model.
func (e *Engine) Predict(marks, attendance float64) float64 {
	return Predict(marks, attendance)
}

// Version returns the current model version.
func (e *Engine) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Rebuild advances the model version and returns the new value.
func (e *Engine) Rebuild() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version++
	return e.version
}
