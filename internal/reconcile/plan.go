// Package reconcile decides which precompute tasks to start and stop when a
// board's panels change, and applies those decisions through a precompute.Client.
//
// Diff is pure: it compares the previous and submitted panel sets and returns
// a Plan. Reconciler.Apply performs the plan's remote calls. Every disable for
// a deleted or turned-off panel (step 1) is issued before any enable or restart
// (step 2).
package reconcile

import (
	"fmt"

	"jia/internal/domain"
)

// ActionKind is the remote call an action makes.
type ActionKind int

const (
	Disable ActionKind = iota
	Enable
)

func (k ActionKind) String() string {
	switch k {
	case Disable:
		return "disable"
	case Enable:
		return "enable"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Reason records why an action was planned.
type Reason string

const (
	ReasonDeleted   Reason = "deleted"
	ReasonTurnedOff Reason = "turned_off"
	ReasonCreated   Reason = "created"
	ReasonTurnedOn  Reason = "turned_on"
	ReasonChanged   Reason = "changed"
)

// Action is a single planned remote call. For disables Panel is the old
// panel, carrying the task id to stop. For enables Panel is the new panel and
// Index its position in Plan.Panels.
type Action struct {
	Kind    ActionKind
	Reason  Reason
	Step    int
	PanelID string
	Panel   domain.Panel
	Index   int
}

func (a Action) String() string {
	return fmt.Sprintf("%s(%s, %s)", a.Kind, a.PanelID, a.Reason)
}

// Plan is the outcome of Diff.
type Plan struct {
	// Panels is the submitted set with task ids carried over from unchanged
	// panels and cleared everywhere else. Apply fills in fresh ids.
	Panels  domain.PanelSet
	Actions []Action
}

// Empty reports whether the plan makes no remote calls.
func (p Plan) Empty() bool { return len(p.Actions) == 0 }

// Diff compares old and updated panel sets keyed by panel id. Neither input
// is modified. An old set holding any panel without an id predates panel ids
// and is treated as empty.
func Diff(old, updated domain.PanelSet) Plan {
	if old.HasLegacyPanel() {
		old = nil
	}
	panels := updated.Clone()
	if panels == nil {
		panels = domain.PanelSet{}
	}
	oldIdx := old.Index()
	newIdx := panels.Index()

	var steps [2][]Action

	for _, p := range old {
		if !p.PrecomputeEnabled() {
			continue
		}
		i, ok := newIdx[p.ID]
		switch {
		case !ok:
			steps[0] = append(steps[0], Action{Kind: Disable, Reason: ReasonDeleted, Step: 1, PanelID: p.ID, Panel: p, Index: -1})
		case !panels[i].PrecomputeEnabled():
			steps[0] = append(steps[0], Action{Kind: Disable, Reason: ReasonTurnedOff, Step: 1, PanelID: p.ID, Panel: p, Index: i})
		}
	}

	for i := range panels {
		q := &panels[i]
		if !q.PrecomputeEnabled() {
			q.DataSource.Precompute.TaskID = ""
			continue
		}
		j, ok := oldIdx[q.ID]
		switch {
		case !ok:
			q.DataSource.Precompute.TaskID = ""
			steps[1] = append(steps[1], Action{Kind: Enable, Reason: ReasonCreated, Step: 2, PanelID: q.ID, Index: i})
		case !old[j].PrecomputeEnabled():
			q.DataSource.Precompute.TaskID = ""
			steps[1] = append(steps[1], Action{Kind: Enable, Reason: ReasonTurnedOn, Step: 2, PanelID: q.ID, Index: i})
		case !old[j].DataSource.MateriallyEqual(q.DataSource):
			q.DataSource.Precompute.TaskID = ""
			steps[1] = append(steps[1],
				Action{Kind: Disable, Reason: ReasonChanged, Step: 2, PanelID: q.ID, Panel: old[j], Index: i},
				Action{Kind: Enable, Reason: ReasonChanged, Step: 2, PanelID: q.ID, Index: i},
			)
		default:
			q.DataSource.Precompute.TaskID = old[j].TaskID()
		}
	}

	// Enable actions snapshot the prepared panel so callers see the settings
	// that were sent to the compute service.
	for k := range steps[1] {
		if steps[1][k].Kind == Enable {
			steps[1][k].Panel = panels[steps[1][k].Index].Clone()
		}
	}

	actions := make([]Action, 0, len(steps[0])+len(steps[1]))
	actions = append(actions, steps[0]...)
	actions = append(actions, steps[1]...)
	return Plan{Panels: panels, Actions: actions}
}
