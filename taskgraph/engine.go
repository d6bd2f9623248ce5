package taskgraph

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Opts controls an Engine.
type Opts struct {
	// MaxCPU is the CPU budget shared by all running tasks. A task holds
	// Threads() units of it (one for tasks that are not Threaded) while it
	// runs.
	MaxCPU int
	// Parallelism is the number of workers, an upper bound on the number of
	// tasks running at once.
	Parallelism int
}

// DefaultMaxCPU is half the available cores, at least one.
func DefaultMaxCPU() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultOpts are the default engine options.
var DefaultOpts = Opts{
	MaxCPU:      DefaultMaxCPU(),
	Parallelism: runtime.NumCPU(),
}

// Engine executes graphs. Concurrent calls to Run on one engine share its
// CPU budget, and never run two tasks with the same identity at once: the
// later caller waits for the earlier execution and shares its result.
type Engine struct {
	opts   Opts
	sem    *semaphore.Weighted
	flight singleflight.Group
}

// NewEngine returns an engine with the given options. Zero fields take
// their DefaultOpts values.
func NewEngine(opts Opts) *Engine {
	if opts.MaxCPU <= 0 {
		opts.MaxCPU = DefaultOpts.MaxCPU
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultOpts.Parallelism
	}
	return &Engine{opts: opts, sem: semaphore.NewWeighted(int64(opts.MaxCPU))}
}

// Opts returns the engine's options.
func (e *Engine) Opts() Opts { return e.opts }

// threads returns the CPU weight of t, clamped to the budget.
func (e *Engine) threads(t Task) int {
	n := 1
	if th, ok := t.(Threaded); ok {
		n = th.Threads()
	}
	if n < 1 {
		n = 1
	}
	if n > e.opts.MaxCPU {
		n = e.opts.MaxCPU
	}
	return n
}

// NodeStatus is the outcome of one node.
type NodeStatus struct {
	ID       ID
	State    State
	Err      error
	Duration time.Duration
}

// Report summarizes a run.
type Report struct {
	// Nodes lists every node in topological order.
	Nodes []NodeStatus
}

// Count returns the number of nodes in state s.
func (r *Report) Count(s State) int {
	var n int
	for _, ns := range r.Nodes {
		if ns.State == s {
			n++
		}
	}
	return n
}

// Status returns the status of the node with the given identity.
func (r *Report) Status(id ID) (NodeStatus, bool) {
	for _, ns := range r.Nodes {
		if ns.ID == id {
			return ns, true
		}
	}
	return NodeStatus{}, false
}

// String returns a one-line summary, e.g. "done=3 failed=1 skipped=4".
func (r *Report) String() string {
	counts := make(map[State]int)
	for _, ns := range r.Nodes {
		counts[ns.State]++
	}
	states := make([]State, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = fmt.Sprintf("%v=%d", s, counts[s])
	}
	return strings.Join(parts, " ")
}

type run struct {
	e       *Engine
	g       *Graph
	ready   chan *Node
	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[*Node]int
	elapsed map[*Node]time.Duration
}

// Run executes the incomplete nodes of g in dependency order. A node starts
// once all of its dependencies are Done or Skipped. When a node fails, its
// dependents are Cancelled; unrelated nodes still run. Run returns when no
// node can make progress. The returned error lists the nodes that failed,
// not the ones cancelled because of them.
func (e *Engine) Run(ctx context.Context, g *Graph) (*Report, error) {
	r := &run{
		e:       e,
		g:       g,
		ready:   make(chan *Node, g.Len()),
		pending: make(map[*Node]int),
		elapsed: make(map[*Node]time.Duration),
	}
	var todo []*Node
	for _, n := range g.order {
		if n.state == Skipped || n.state == Done {
			continue
		}
		n.state, n.err = Pending, nil
		var count int
		for _, d := range n.Deps {
			if d.state != Skipped && d.state != Done {
				count++
			}
		}
		r.pending[n] = count
		todo = append(todo, n)
	}
	log.Printf("taskgraph: %d tasks, %d to run", g.Len(), len(todo))
	r.wg.Add(len(todo))
	r.mu.Lock()
	for _, n := range todo {
		if r.pending[n] == 0 {
			n.state = Ready
			r.ready <- n
		}
	}
	r.mu.Unlock()
	for i := 0; i < e.opts.Parallelism; i++ {
		go r.worker(ctx)
	}
	r.wg.Wait()
	close(r.ready)
	return r.report()
}

// Execute builds the graph of roots and runs it.
func (e *Engine) Execute(ctx context.Context, opts BuildOpts, roots ...Task) (*Report, error) {
	g, err := Build(ctx, opts, roots...)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, g)
}

func (r *run) worker(ctx context.Context) {
	for n := range r.ready {
		start := time.Now()
		err := r.execute(ctx, n)
		r.finish(n, err, time.Since(start))
	}
}

func (r *run) execute(ctx context.Context, n *Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range n.Deps {
		if err := checkOutputs(ctx, d.Task); err != nil {
			return err
		}
	}
	r.mu.Lock()
	n.state = Running
	r.mu.Unlock()

	id := n.ID()
	threads := r.e.threads(n.Task)
	_, err, shared := r.e.flight.Do(id.String(), func() (interface{}, error) {
		if err := r.e.sem.Acquire(ctx, int64(threads)); err != nil {
			return nil, err
		}
		defer r.e.sem.Release(int64(threads))
		log.Printf("taskgraph: %v: start (%d threads)", id, threads)
		if err := n.Task.Run(ctx); err != nil {
			return nil, err
		}
		if err := checkOutputs(ctx, n.Task); err != nil {
			return nil, err
		}
		if v, ok := n.Task.(Verifier); ok {
			if err := v.Verify(ctx); err != nil {
				return nil, errors.E(err, "verify")
			}
		}
		return nil, nil
	})
	if shared {
		log.Debug.Printf("taskgraph: %v: shared result of a concurrent execution", id)
	}
	return err
}

func (r *run) finish(n *Node, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed[n] = d
	if err != nil {
		log.Error.Printf("taskgraph: %v: failed after %v: %v", n.ID(), d, err)
		n.state, n.err = Failed, err
		r.cancel(n)
		r.wg.Done()
		return
	}
	log.Printf("taskgraph: %v: done in %v", n.ID(), d)
	n.state = Done
	for _, dep := range n.Dependents {
		if dep.state != Pending {
			continue
		}
		r.pending[dep]--
		if r.pending[dep] == 0 {
			dep.state = Ready
			r.ready <- dep
		}
	}
	r.wg.Done()
}

// cancel marks the pending transitive dependents of failed as Cancelled.
// It is called with r.mu held.
func (r *run) cancel(failed *Node) {
	for _, dep := range failed.Dependents {
		if dep.state != Pending {
			continue
		}
		log.Printf("taskgraph: %v: cancelled, %v failed", dep.ID(), failed.ID())
		dep.state = Cancelled
		dep.err = errors.E(fmt.Sprintf("dependency %v failed", failed.ID()))
		r.wg.Done()
		r.cancel(dep)
	}
}

func (r *run) report() (*Report, error) {
	var (
		rep    = &Report{Nodes: make([]NodeStatus, len(r.g.order))}
		failed FailedError
	)
	for i, n := range r.g.order {
		rep.Nodes[i] = NodeStatus{ID: n.ID(), State: n.state, Err: n.err, Duration: r.elapsed[n]}
		if n.state == Failed {
			failed.IDs = append(failed.IDs, n.ID())
			failed.Errs = append(failed.Errs, n.err)
		}
	}
	log.Printf("taskgraph: %v", rep)
	if len(failed.Errs) == 0 {
		return rep, nil
	}
	return rep, &failed
}
