package persistence

import (
	"sync"

	"conductor/pkg/logx"
)

// Recorder serializes archive writes through a single worker goroutine so
// orchestrator callbacks never block on the database. Writes are
// fire-and-forget: failures are logged, not returned.
type Recorder struct {
	store  *Store
	logger *logx.Logger
	ops    chan func(*Store) error
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a recorder backed by the given store.
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logx.NewLogger("persistence"),
		ops:    make(chan func(*Store) error, 64),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for op := range r.ops {
		if err := op(r.store); err != nil {
			r.logger.Warn("archive write failed: %v", err)
		}
	}
}

// enqueue submits a write. Writes after Close are dropped.
func (r *Recorder) enqueue(op func(*Store) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.ops <- op
}

// RunStarted records the start of a run.
func (r *Recorder) RunStarted(run *Run) {
	if run == nil {
		return
	}
	r.enqueue(func(s *Store) error {
		return s.InsertRun(run)
	})
}

// RunFinished records the terminal status of a run.
func (r *Recorder) RunFinished(runID, status string, qaIterations int, errMsg string) {
	if runID == "" {
		return
	}
	r.enqueue(func(s *Store) error {
		return s.FinishRun(runID, status, qaIterations, errMsg)
	})
}

// SessionFinished records the outcome of one agent session.
func (r *Recorder) SessionFinished(rec *SessionRecord) {
	if rec == nil {
		return
	}
	r.enqueue(func(s *Store) error {
		return s.InsertSession(rec)
	})
}

// QACompleted records one QA review cycle.
func (r *Recorder) QACompleted(qa *QAIteration) {
	if qa == nil {
		return
	}
	r.enqueue(func(s *Store) error {
		return s.RecordQAIteration(qa)
	})
}

// Close drains pending writes and stops the worker. The recorder cannot be
// reused after Close.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.ops)
	r.wg.Wait()
}
