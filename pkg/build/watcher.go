package build

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/pkg/agent"
	"conductor/pkg/logx"
	"conductor/pkg/plan"
	"conductor/pkg/session"
	"conductor/pkg/specdir"
)

const planDebounce = 100 * time.Millisecond

// planWatcher surfaces plan rewrites while a coder session runs. The spec
// directory is watched rather than the plan file itself: atomic writes land
// via rename, which replaces the inode a file-level watch would be pinned
// to. Events are debounced so a burst of writes produces one reload.
type planWatcher struct {
	dir      *specdir.Dir
	fsw      *fsnotify.Watcher
	onChange func(*plan.Plan)
	logger   *logx.Logger
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

func newPlanWatcher(dir *specdir.Dir, onChange func(*plan.Plan), logger *logx.Logger) (*planWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir.Root()); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &planWatcher{
		dir:      dir,
		fsw:      fsw,
		onChange: onChange,
		logger:   logger,
		debounce: planDebounce,
	}
	go w.loop()
	return w, nil
}

func (w *planWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if filepath.Base(ev.Name) != specdir.PlanFile {
				continue
			}
			w.arm()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("plan watcher: %v", err)
		}
	}
}

// arm resets the debounce window so the reload happens once the writes
// settle.
func (w *planWatcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *planWatcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	p, err := w.dir.ReadPlan()
	if err != nil {
		// Mid-write or transiently invalid. The next event retries.
		w.logger.Debug("plan not readable yet: %v", err)
		return
	}
	w.onChange(p)
}

func (w *planWatcher) Close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.fsw.Close()
}

// planProgress converts a fresh plan snapshot into a progress event and a
// debug trail. It runs on the watcher goroutine.
func (o *Orchestrator) planProgress(p *plan.Plan) {
	pending, inProgress, completed := p.Counts()
	prog := session.Progress{CurrentPhase: agent.PhaseCoding.String()}
	if sub, phaseName := p.NextActionable(nil); sub != nil {
		prog.CurrentSubtask = sub.ID
		prog.CurrentMessage = fmt.Sprintf("%s: %s", phaseName, sub.Description)
	} else {
		prog.CurrentMessage = "all subtasks completed"
	}
	o.logger.Debug("plan updated: %d pending, %d in progress, %d completed", pending, inProgress, completed)
	if o.ev.OnProgress != nil {
		o.ev.OnProgress(prog)
	}
}
