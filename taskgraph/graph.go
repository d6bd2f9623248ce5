package taskgraph

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// State is the scheduling state of a node.
type State int32

const (
	// Pending nodes wait for their dependencies.
	Pending State = iota
	// Ready nodes are queued for a worker.
	Ready
	// Running nodes are executing.
	Running
	// Done nodes ran successfully.
	Done
	// Failed nodes ran and failed, or could not start.
	Failed
	// Skipped nodes were complete when the graph was built.
	Skipped
	// Cancelled nodes did not run because a dependency failed.
	Cancelled
)

var stateNames = [...]string{"pending", "ready", "running", "done", "failed", "skipped", "cancelled"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Node is a task in a Graph.
type Node struct {
	Task Task
	// Deps are the nodes this node requires. Skipped nodes have none.
	Deps []*Node
	// Dependents are the nodes that require this node.
	Dependents []*Node

	state State
	err   error
}

// ID returns the node's task identity.
func (n *Node) ID() ID { return n.Task.ID() }

// State returns the node's state. It is stable once Engine.Run returns.
func (n *Node) State() State { return n.state }

// Err returns the error that failed or cancelled the node.
func (n *Node) Err() error { return n.err }

// Graph is a dependency graph of tasks. Each identity appears once.
type Graph struct {
	// Roots are the nodes of the tasks passed to Build.
	Roots []*Node
	nodes map[ID]*Node
	// order lists the nodes in topological order: dependencies first.
	order []*Node
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Nodes returns the nodes in topological order, dependencies first.
func (g *Graph) Nodes() []*Node { return g.order }

// Node returns the node with the given identity.
func (g *Graph) Node(id ID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// BuildOpts controls Build.
type BuildOpts struct {
	// Validate runs Verifier.Verify on complete tasks. A task that fails
	// validation is treated as incomplete.
	Validate bool
}

type color int

const (
	white color = iota
	gray
	black
)

type builder struct {
	ctx    context.Context
	opts   BuildOpts
	g      *Graph
	colors map[ID]color
	stack  []ID
}

// Build resolves the requirements of roots into a graph. Tasks that are
// complete become Skipped nodes and their requirements are not resolved.
// Build fails with a *CycleError if requirements form a cycle.
func Build(ctx context.Context, opts BuildOpts, roots ...Task) (*Graph, error) {
	b := &builder{
		ctx:    ctx,
		opts:   opts,
		g:      &Graph{nodes: make(map[ID]*Node)},
		colors: make(map[ID]color),
	}
	for _, t := range roots {
		n, err := b.visit(t)
		if err != nil {
			return nil, err
		}
		b.g.Roots = append(b.g.Roots, n)
	}
	return b.g, nil
}

func (b *builder) visit(t Task) (*Node, error) {
	id := t.ID()
	switch b.colors[id] {
	case black:
		return b.g.nodes[id], nil
	case gray:
		path := []ID{id}
		for i := len(b.stack) - 1; i >= 0; i-- {
			path = append([]ID{b.stack[i]}, path...)
			if b.stack[i] == id {
				break
			}
		}
		return nil, &CycleError{Path: path}
	}
	b.colors[id] = gray
	b.stack = append(b.stack, id)
	defer func() { b.stack = b.stack[:len(b.stack)-1] }()

	n := &Node{Task: t}
	done, err := b.complete(t)
	if err != nil {
		return nil, errors.E(err, id.String())
	}
	if done {
		n.state = Skipped
	} else {
		seen := make(map[ID]bool)
		for _, req := range t.Requires() {
			dep, err := b.visit(req)
			if err != nil {
				return nil, err
			}
			if seen[dep.ID()] {
				continue
			}
			seen[dep.ID()] = true
			n.Deps = append(n.Deps, dep)
			dep.Dependents = append(dep.Dependents, n)
		}
	}
	b.colors[id] = black
	b.g.nodes[id] = n
	b.g.order = append(b.g.order, n)
	return n, nil
}

func (b *builder) complete(t Task) (bool, error) {
	done, err := Complete(b.ctx, t)
	if err != nil || !done {
		return false, err
	}
	if v, ok := t.(Verifier); ok && b.opts.Validate {
		if err := v.Verify(b.ctx); err != nil {
			log.Printf("taskgraph: %v: outputs failed validation, rerunning: %v", t.ID(), err)
			return false, nil
		}
	}
	return true, nil
}
