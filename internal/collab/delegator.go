// Package collab distributes multi-step plans across registered agents and
// reconciles their answers: the Delegator walks a dependency graph assigning
// ready subtasks to capable agents, and Consensus merges conflicting votes.
package collab

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aioslab/aios/internal/event"
	"github.com/aioslab/aios/internal/eventbus"
)

// Agent is a registered collaborator.
type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Weight       float64  `json:"weight,omitempty"` // consensus weight, default 1
}

func (a Agent) can(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SubTask is one node of a plan.
type SubTask struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Plan is a dependency graph of subtasks. MaxFailures is the degradation
// tolerance: up to that many failed subtasks still yields a DEGRADED result
// instead of FAILED.
type Plan struct {
	ID          string     `json:"id"`
	Tasks       []*SubTask `json:"tasks"`
	MaxFailures int        `json:"max_failures"`
}

// Outcome summarizes a finished plan.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeDegraded  Outcome = "DEGRADED"
	OutcomeFailed    Outcome = "FAILED"
)

// TaskResult is one subtask's verdict.
type TaskResult struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	OK      bool   `json:"ok"`
	Output  any    `json:"output,omitempty"`
	Err     string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"` // upstream dependency failed
}

// PlanResult aggregates every subtask.
type PlanResult struct {
	PlanID     string                 `json:"plan_id"`
	Outcome    Outcome                `json:"outcome"`
	Results    map[string]*TaskResult `json:"results"`
	Aggregated map[string]any         `json:"aggregated"` // task id -> output, successes only
	Failures   int                    `json:"failures"`
}

// Executor runs one subtask on one agent.
type Executor func(ctx context.Context, agent Agent, task *SubTask) (any, error)

// Delegator owns the agent registry and plan execution.
type Delegator struct {
	mu     sync.Mutex
	agents map[string]Agent
	load   map[string]int // in-flight subtasks per agent, for assignment

	exec           Executor
	bus            *eventbus.Bus
	maxConcurrency int
}

// NewDelegator builds a delegator; bus may be nil in tests.
// maxConcurrency <= 0 means unbounded within a frontier.
func NewDelegator(exec Executor, bus *eventbus.Bus, maxConcurrency int) *Delegator {
	return &Delegator{
		agents:         make(map[string]Agent),
		load:           make(map[string]int),
		exec:           exec,
		bus:            bus,
		maxConcurrency: maxConcurrency,
	}
}

// Register adds or replaces an agent.
func (d *Delegator) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("collab: agent requires an id")
	}
	if a.Weight == 0 {
		a.Weight = 1
	}
	d.mu.Lock()
	d.agents[a.ID] = a
	d.mu.Unlock()
	return nil
}

// Unregister removes an agent; in-flight subtasks finish normally.
func (d *Delegator) Unregister(id string) {
	d.mu.Lock()
	delete(d.agents, id)
	d.mu.Unlock()
}

// Agents lists the registry sorted by id.
func (d *Delegator) Agents() []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pick chooses the least-loaded capable agent, id as tiebreak so assignment
// is deterministic.
func (d *Delegator) pick(capability string) (Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best Agent
	found := false
	for _, a := range d.agents {
		if !a.can(capability) {
			continue
		}
		if !found || d.load[a.ID] < d.load[best.ID] ||
			(d.load[a.ID] == d.load[best.ID] && a.ID < best.ID) {
			best = a
			found = true
		}
	}
	if found {
		d.load[best.ID]++
	}
	return best, found
}

func (d *Delegator) release(agentID string) {
	d.mu.Lock()
	if d.load[agentID] > 0 {
		d.load[agentID]--
	}
	d.mu.Unlock()
}

// validate rejects unknown dependencies, duplicate ids, and cycles.
func validate(p *Plan) error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("collab: plan %q has no tasks", p.ID)
	}
	byID := make(map[string]*SubTask, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("collab: plan %q: task missing id", p.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("collab: plan %q: duplicate task %q", p.ID, t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("collab: task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	// Kahn's algorithm detects cycles.
	indeg := make(map[string]int, len(p.Tasks))
	for _, t := range p.Tasks {
		indeg[t.ID] = len(t.DependsOn)
	}
	queue := make([]string, 0, len(p.Tasks))
	for id, n := range indeg {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	dependents := make(map[string][]string)
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(p.Tasks) {
		return fmt.Errorf("collab: plan %q has a dependency cycle", p.ID)
	}
	return nil
}

// Run executes the plan: repeatedly assign every ready subtask (all
// dependencies succeeded) to a capable agent, run the frontier concurrently,
// and fold the results. Subtasks downstream of a failure are skipped and
// count as failures.
func (d *Delegator) Run(ctx context.Context, p *Plan) (*PlanResult, error) {
	if err := validate(p); err != nil {
		return nil, err
	}

	res := &PlanResult{
		PlanID:     p.ID,
		Results:    make(map[string]*TaskResult, len(p.Tasks)),
		Aggregated: make(map[string]any),
	}
	done := make(map[string]bool) // task id -> succeeded

	for len(res.Results) < len(p.Tasks) {
		frontier := d.frontier(p, res.Results, done)
		if len(frontier) == 0 {
			// Everything left is downstream of a failure.
			for _, t := range p.Tasks {
				if _, ran := res.Results[t.ID]; !ran {
					res.Results[t.ID] = &TaskResult{
						TaskID:  t.ID,
						Skipped: true,
						Err:     "dependency failed",
					}
				}
			}
			break
		}
		d.runFrontier(ctx, p, frontier, res, done)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	for _, tr := range res.Results {
		if !tr.OK {
			res.Failures++
		}
	}
	switch {
	case res.Failures == 0:
		res.Outcome = OutcomeCompleted
	case res.Failures <= p.MaxFailures:
		res.Outcome = OutcomeDegraded
	default:
		res.Outcome = OutcomeFailed
	}
	d.announce(res)
	return res, nil
}

// frontier lists subtasks whose dependencies have all succeeded and which
// have not run yet.
func (d *Delegator) frontier(p *Plan, ran map[string]*TaskResult, done map[string]bool) []*SubTask {
	var out []*SubTask
	for _, t := range p.Tasks {
		if _, already := ran[t.ID]; already {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

func (d *Delegator) runFrontier(ctx context.Context, p *Plan, frontier []*SubTask, res *PlanResult, done map[string]bool) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}

	for _, t := range frontier {
		t := t
		agent, ok := d.pick(t.Capability)
		if !ok {
			mu.Lock()
			res.Results[t.ID] = &TaskResult{
				TaskID: t.ID,
				Err:    fmt.Sprintf("no agent with capability %q", t.Capability),
			}
			mu.Unlock()
			continue
		}
		d.emitAssigned(p, t, agent)
		g.Go(func() error {
			defer d.release(agent.ID)
			out, err := d.exec(gctx, agent, t)
			tr := &TaskResult{TaskID: t.ID, AgentID: agent.ID}
			if err != nil {
				tr.Err = err.Error()
			} else {
				tr.OK = true
				tr.Output = out
			}
			mu.Lock()
			res.Results[t.ID] = tr
			if tr.OK {
				done[t.ID] = true
				res.Aggregated[t.ID] = tr.Output
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Delegator) emitAssigned(p *Plan, t *SubTask, a Agent) {
	if d.bus == nil {
		return
	}
	e := event.New(event.TypeCollabTaskAssigned, "collab")
	e.Layer = "collab"
	e.With("plan_id", p.ID).With("task_id", t.ID).With("agent_id", a.ID).With("capability", t.Capability)
	if err := d.bus.Emit(e); err != nil {
		log.Printf("[collab] emit assigned: %v", err)
	}
}

func (d *Delegator) announce(res *PlanResult) {
	if d.bus == nil {
		return
	}
	e := event.New(event.TypeCollabPlanFinished, "collab")
	e.Layer = "collab"
	e.With("plan_id", res.PlanID).
		With("outcome", string(res.Outcome)).
		With("failures", res.Failures).
		With("tasks", len(res.Results))
	if res.Outcome == OutcomeFailed {
		e.Severity = event.SeverityErr
	}
	if err := d.bus.Emit(e); err != nil {
		log.Printf("[collab] emit plan finished: %v", err)
	}
}
