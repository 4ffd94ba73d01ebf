package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"

	"jia/internal/domain"
	"jia/internal/precompute"
)

// Reconciler applies plans through a precompute client. It keeps no state
// between calls; the panel sets passed in are the only source of truth.
type Reconciler struct {
	Client  precompute.Client
	Logger  *log.Logger
	Metrics *Metrics
	// ContinueOnError keeps issuing independent actions after a failure.
	// By default the first failure halts the reconciliation.
	ContinueOnError bool
	// Parallelism > 1 runs the per-panel actions of one step concurrently.
	// Steps never overlap.
	Parallelism int
}

// Failure is an action whose remote call failed.
type Failure struct {
	Action Action
	Err    error
}

// Result describes what Apply did.
type Result struct {
	// Panels is the plan's panel set with task ids from successful enables.
	Panels  domain.PanelSet
	Applied []Action
	Skipped []Action
	// Failures lists failed calls. Unknown disables count as applied.
	Failures []Failure
	// Unknown lists panel ids whose remote task state may not match Panels.
	Unknown []string
	// Started maps panel ids to task ids enabled during this call.
	Started map[string]string
}

// Calls returns how many remote calls were attempted.
func (r Result) Calls() int { return len(r.Applied) + len(r.Failures) }

// IncompleteError is returned when some actions failed or were skipped.
type IncompleteError struct {
	Failures []Failure
	Unknown  []string
	Started  map[string]string
}

func (e *IncompleteError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Action, f.Err))
	}
	return fmt.Sprintf("precompute reconciliation incomplete (%d failed, unknown panels: %s): %s",
		len(e.Failures), strings.Join(e.Unknown, ","), strings.Join(parts, "; "))
}

func (e *IncompleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Reconcile diffs old against updated and applies the plan.
func (r Reconciler) Reconcile(ctx context.Context, old, updated domain.PanelSet) (Result, error) {
	return r.Apply(ctx, Diff(old, updated))
}

// Apply issues the plan's actions: all of step 1, then all of step 2. A
// restart disables the old task before enabling the new one, and skips the
// enable if the disable failed.
func (r Reconciler) Apply(ctx context.Context, plan Plan) (Result, error) {
	run := &applyRun{
		r:   r,
		res: Result{Panels: plan.Panels.Clone(), Started: map[string]string{}},
	}
	if run.res.Panels == nil {
		run.res.Panels = domain.PanelSet{}
	}
	for _, step := range splitSteps(plan.Actions) {
		run.runStep(ctx, step)
	}
	res := run.res
	sort.Strings(res.Unknown)
	if len(res.Failures) == 0 && len(res.Skipped) == 0 {
		r.Metrics.run("ok")
		return res, nil
	}
	r.Metrics.run("incomplete")
	if len(res.Failures) == 0 {
		// Only reachable when the caller's context ended before any call failed.
		res.Failures = append(res.Failures, Failure{Action: res.Skipped[0], Err: context.Cause(ctx)})
	}
	return res, &IncompleteError{Failures: res.Failures, Unknown: res.Unknown, Started: res.Started}
}

type applyRun struct {
	r      Reconciler
	mu     sync.Mutex
	res    Result
	halted atomic.Bool
}

// splitSteps groups actions into per-step units. A unit holds one panel's
// actions and runs sequentially.
func splitSteps(actions []Action) [][][]Action {
	var steps [][][]Action
	var cur [][]Action
	step := 0
	for i := 0; i < len(actions); i++ {
		a := actions[i]
		if a.Step != step {
			if len(cur) > 0 {
				steps = append(steps, cur)
			}
			cur = nil
			step = a.Step
		}
		unit := []Action{a}
		if a.Kind == Disable && a.Reason == ReasonChanged && i+1 < len(actions) &&
			actions[i+1].PanelID == a.PanelID && actions[i+1].Kind == Enable {
			unit = append(unit, actions[i+1])
			i++
		}
		cur = append(cur, unit)
	}
	if len(cur) > 0 {
		steps = append(steps, cur)
	}
	return steps
}

func (run *applyRun) runStep(ctx context.Context, units [][]Action) {
	if run.r.Parallelism <= 1 || len(units) < 2 {
		for _, u := range units {
			run.runUnit(ctx, u)
		}
		return
	}
	p := pool.New().WithMaxGoroutines(run.r.Parallelism)
	for _, u := range units {
		p.Go(func() { run.runUnit(ctx, u) })
	}
	p.Wait()
}

func (run *applyRun) runUnit(ctx context.Context, unit []Action) {
	if run.halted.Load() || ctx.Err() != nil {
		run.skip(unit)
		return
	}
	for i, a := range unit {
		if err := run.do(ctx, a); err != nil {
			run.fail(a, err)
			if len(unit[i+1:]) > 0 {
				run.skip(unit[i+1:])
			}
			if !run.r.ContinueOnError {
				run.halted.Store(true)
			}
			return
		}
	}
}

func (run *applyRun) do(ctx context.Context, a Action) error {
	logger := run.r.logger().With("panel_id", a.PanelID, "reason", string(a.Reason), "step", a.Step)
	switch a.Kind {
	case Disable:
		err := run.r.Client.Disable(ctx, a.Panel)
		if err != nil && precompute.IsUnknownTask(err) {
			logger.Warn("precompute task already gone", "task_id", a.Panel.TaskID())
			err = nil
		}
		if err != nil {
			return err
		}
		logger.Info("precompute disabled", "task_id", a.Panel.TaskID())
		run.applied(a, "")
	case Enable:
		id, err := run.r.Client.Enable(ctx, a.Panel)
		if err != nil {
			return err
		}
		logger.Info("precompute enabled", "task_id", id)
		run.applied(a, id)
	default:
		return fmt.Errorf("unknown action kind %d", int(a.Kind))
	}
	return nil
}

func (run *applyRun) applied(a Action, taskID string) {
	run.r.Metrics.action(a)
	run.mu.Lock()
	defer run.mu.Unlock()
	if a.Kind == Enable {
		run.res.Panels[a.Index].DataSource.Precompute.TaskID = taskID
		run.res.Started[a.PanelID] = taskID
	}
	run.res.Applied = append(run.res.Applied, a)
}

func (run *applyRun) fail(a Action, err error) {
	run.r.Metrics.failure(a)
	run.r.logger().Error("precompute call failed", "panel_id", a.PanelID, "action", a.Kind.String(), "reason", string(a.Reason), "err", err)
	run.mu.Lock()
	defer run.mu.Unlock()
	run.res.Failures = append(run.res.Failures, Failure{Action: a, Err: err})
	run.markUnknown(a.PanelID)
}

func (run *applyRun) skip(unit []Action) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, a := range unit {
		run.res.Skipped = append(run.res.Skipped, a)
		run.markUnknown(a.PanelID)
	}
}

func (run *applyRun) markUnknown(panelID string) {
	for _, id := range run.res.Unknown {
		if id == panelID {
			return
		}
	}
	run.res.Unknown = append(run.res.Unknown, panelID)
}

func (r Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// IsIncomplete reports whether err came from a partially applied plan.
func IsIncomplete(err error) (*IncompleteError, bool) {
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
