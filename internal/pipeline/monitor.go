package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/skytile/internal/executor"
	"github.com/dreamware/skytile/internal/ledger"
)

// Stage states reported in snapshots.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
	StateSkipped = "skipped"
)

// StageProgress tracks one stage of the build.
// Thread-safe: Protected by Monitor's mutex when accessed.
type StageProgress struct {
	Stage    ledger.Stage `json:"stage"`
	State    string       `json:"state"`
	Total    int          `json:"total"`    // Keys of the stage, done or not
	Done     int          `json:"done"`     // Keys marked done, including earlier attempts
	Resumed  int          `json:"resumed"`  // Keys found done when the stage started
	Started  time.Time    `json:"started,omitempty"`
	Finished time.Time    `json:"finished,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of build progress.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Increment string          `json:"increment"`
	Current   ledger.Stage    `json:"current"`
	Stages    []StageProgress `json:"stages"`
	Tasks     executor.Stats  `json:"tasks"`
	Taken     time.Time       `json:"taken"`
}

// Monitor keeps the progress of a build and logs it periodically.
// It is the source of the status server's /progress answer.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	stages    map[ledger.Stage]*StageProgress // Progress per stage
	current   ledger.Stage                    // Stage running now
	runID     string
	increment string
	tasks     func() executor.Stats // Task counters of the executor, may be nil
	log       logrus.FieldLogger
	ctx       context.Context    // Context for cancellation
	cancel    context.CancelFunc // Cancel function for shutdown
	interval  time.Duration      // How often to log progress
	mu        sync.RWMutex       // Protects stages and current
	wg        sync.WaitGroup     // Wait group for graceful shutdown
}

// NewMonitor creates a monitor that logs progress every interval once
// started. Every stage starts out pending.
//
// Example:
//
//	monitor := NewMonitor(10*time.Second, log)
//	monitor.Start(ctx)
//	defer monitor.Stop()
func NewMonitor(interval time.Duration, log logrus.FieldLogger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		stages:   make(map[ledger.Stage]*StageProgress, len(ledger.Stages)),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		interval: interval,
	}
	for _, s := range ledger.Stages {
		m.stages[s] = &StageProgress{Stage: s, State: StatePending}
	}
	return m
}

// setRun records the identity of the build being monitored.
func (m *Monitor) setRun(runID, increment string, tasks func() executor.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runID, m.increment, m.tasks = runID, increment, tasks
}

func (m *Monitor) setIncrement(increment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.increment = increment
}

// Begin marks stage as running with total keys, resumed of which were
// already done by an earlier attempt.
func (m *Monitor) Begin(stage ledger.Stage, total, resumed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.stage(stage)
	p.State = StateRunning
	p.Total = total
	p.Done = resumed
	p.Resumed = resumed
	p.Started = time.Now()
	p.Finished = time.Time{}
	p.Error = ""
	m.current = stage
}

// Advance counts one more key of stage as done.
func (m *Monitor) Advance(stage ledger.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).Done++
}

// Finish marks stage done, or failed when err is not nil.
func (m *Monitor) Finish(stage ledger.Stage, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.stage(stage)
	p.Finished = time.Now()
	if err != nil {
		p.State = StateFailed
		p.Error = err.Error()
		return
	}
	p.State = StateDone
}

// Skip marks stage as not run by this build.
func (m *Monitor) Skip(stage ledger.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage(stage).State = StateSkipped
}

func (m *Monitor) stage(s ledger.Stage) *StageProgress {
	p, ok := m.stages[s]
	if !ok {
		p = &StageProgress{Stage: s, State: StatePending}
		m.stages[s] = p
	}
	return p
}

// Snapshot returns a copy of the current progress, stages in build order.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		RunID:     m.runID,
		Increment: m.increment,
		Current:   m.current,
		Stages:    make([]StageProgress, 0, len(m.stages)),
		Taken:     time.Now(),
	}
	for _, s := range ledger.Stages {
		snap.Stages = append(snap.Stages, *m.stages[s])
	}
	if m.tasks != nil {
		snap.Tasks = m.tasks()
	}
	return snap
}

// Start logs the running stage's progress every interval until ctx is
// canceled or Stop is called. It returns immediately. An interval of zero
// disables logging.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.report()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop shuts the reporting loop down and waits for it to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) report() {
	m.mu.RLock()
	p, running := m.stages[m.current]
	var fields logrus.Fields
	if running && p.State == StateRunning {
		fields = logrus.Fields{
			"stage":   p.Stage,
			"done":    p.Done,
			"total":   p.Total,
			"elapsed": time.Since(p.Started).Round(time.Second).String(),
		}
	}
	m.mu.RUnlock()

	if fields != nil {
		m.log.WithFields(fields).Info("progress")
	}
}
