package cluster

import (
	"sync"
	"time"
)

// Stage is the current phase of a recompute.
type Stage string

const (
	StageSnapshot   Stage = "snapshot"
	StageClustering Stage = "clustering"
	StageCommitting Stage = "committing"
	StageDone       Stage = "done"
)

// ProgressSnapshot is an immutable copy of a run's progress.
type ProgressSnapshot struct {
	Stage          string  `json:"stage"`
	Points         int     `json:"points"`
	Steps          int     `json:"steps"`
	StepsTotal     int     `json:"steps_total"`
	ProgressPct    float64 `json:"progress_pct"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Progress tracks a recompute. Steps are k-means iterations or DBSCAN
// points visited.
type Progress struct {
	mu sync.RWMutex

	stage        Stage
	points       int
	steps        int
	stepsTotal   int
	startTime    time.Time
	errorMessage string
}

func newProgress() *Progress {
	return &Progress{stage: StageSnapshot, startTime: time.Now()}
}

func (p *Progress) setStage(stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
}

func (p *Progress) setWork(points, stepsTotal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = points
	p.stepsTotal = stepsTotal
}

func (p *Progress) step(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = n
}

func (p *Progress) setError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorMessage = message
}

// Snapshot returns the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pct float64
	switch {
	case p.stage == StageDone:
		pct = 100
	case p.stepsTotal > 0:
		pct = float64(p.steps) / float64(p.stepsTotal) * 100
	}
	return ProgressSnapshot{
		Stage:          string(p.stage),
		Points:         p.points,
		Steps:          p.steps,
		StepsTotal:     p.stepsTotal,
		ProgressPct:    pct,
		ElapsedSeconds: time.Since(p.startTime).Seconds(),
		ErrorMessage:   p.errorMessage,
	}
}
