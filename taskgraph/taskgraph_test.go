package taskgraph

import (
	"context"
	goerrors "errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFailed = goerrors.New("failed")

// fileTask writes one output file.
type fileTask struct {
	name    string
	dir     string
	deps    []Task
	threads int
	fail    bool
	noWrite bool
	delay   time.Duration
	verify  func() error
	onRun   func(name string)

	runs     int32
	requires int32
	gauge    *gauge
	release  chan struct{}
	started  chan struct{}
}

// gauge tracks the peak CPU use of concurrently running tasks.
type gauge struct {
	mu        sync.Mutex
	cur, peak int
}

func (g *gauge) add(n int) {
	g.mu.Lock()
	g.cur += n
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
}

func (t *fileTask) ID() ID { return NewID("file", t.name) }

func (t *fileTask) Requires() []Task {
	atomic.AddInt32(&t.requires, 1)
	return t.deps
}

func (t *fileTask) Outputs() []string { return []string{filepath.Join(t.dir, t.name)} }

func (t *fileTask) Threads() int { return t.threads }

func (t *fileTask) Run(ctx context.Context) error {
	atomic.AddInt32(&t.runs, 1)
	if t.onRun != nil {
		t.onRun(t.name)
	}
	if t.started != nil {
		close(t.started)
	}
	if t.release != nil {
		<-t.release
	}
	if t.gauge != nil {
		t.gauge.add(t.threads)
		defer t.gauge.add(-t.threads)
	}
	time.Sleep(t.delay)
	if t.fail {
		return fmt.Errorf("%s: %w", t.name, errFailed)
	}
	if t.noWrite {
		return nil
	}
	return ioutil.WriteFile(t.Outputs()[0], []byte(t.name), 0644)
}

type verifiedTask struct{ *fileTask }

func (t verifiedTask) Verify(ctx context.Context) error { return t.verify() }

func newTask(dir, name string, deps ...Task) *fileTask {
	return &fileTask{name: name, dir: dir, deps: deps, threads: 1}
}

func TestNewID(t *testing.T) {
	assert.Equal(t, ID{Kind: "BwaMem", Params: "S1,hg38"}, NewID("BwaMem", "S1", "hg38"))
	assert.Equal(t, "Optimize(a,b,3)", NewID("Optimize", "a", "b", 3).String())
	assert.Equal(t, NewID("x", 1), NewID("x", "1"))
}

func TestChain(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()

	c := newTask(dir, "c")
	b := newTask(dir, "b", c)
	a := &Wrapper{Name: "all", Tasks: []Task{b}}
	g, err := Build(ctx, BuildOpts{}, a)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())
	assert.Equal(t, c.ID(), g.Nodes()[0].ID())
	assert.Equal(t, a.ID(), g.Nodes()[2].ID())

	e := NewEngine(Opts{MaxCPU: 2, Parallelism: 2})
	rep, err := e.Run(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Count(Done))
	assert.Equal(t, int32(1), c.runs)
	assert.Equal(t, int32(1), b.runs)
	done, err := a.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	// Everything is complete: the root is skipped without resolving its
	// requirements.
	b2 := newTask(dir, "b", newTask(dir, "c"))
	g, err = Build(ctx, BuildOpts{}, &Wrapper{Name: "all", Tasks: []Task{b2}})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, Skipped, g.Roots[0].State())
	assert.Equal(t, int32(0), b2.requires)

	// b exists but c was removed: b is skipped and c is never visited.
	require.NoError(t, os.Remove(filepath.Join(dir, "c")))
	c3 := newTask(dir, "c")
	b3 := newTask(dir, "b", c3)
	rep, err = e.Execute(ctx, BuildOpts{}, &Wrapper{Name: "all", Tasks: []Task{b3}})
	require.NoError(t, err)
	assert.Equal(t, int32(0), b3.requires)
	assert.Equal(t, int32(0), c3.runs)
	_, ok := rep.Status(c3.ID())
	assert.False(t, ok)
}

func TestChainUpstreamComplete(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	c := newTask(dir, "c")
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "c"), []byte("c"), 0644))
	b := newTask(dir, "b", c)
	a := newTask(dir, "a", b)
	for _, task := range []*fileTask{a, b, c} {
		task.onRun = record
	}
	e := NewEngine(Opts{MaxCPU: 4, Parallelism: 4})
	rep, err := e.Execute(ctx, BuildOpts{}, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
	assert.Equal(t, int32(0), c.runs)
	assert.Equal(t, int32(0), c.requires)
	for task, want := range map[*fileTask]State{a: Done, b: Done, c: Skipped} {
		st, ok := rep.Status(task.ID())
		require.True(t, ok, task.name)
		assert.Equal(t, want, st.State, task.name)
	}
}

func TestWrapperIdentity(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()

	x, y := newTask(dir, "x"), newTask(dir, "y")
	wx := &Wrapper{Name: "group", Tasks: []Task{x}}
	wy := &Wrapper{Name: "group", Tasks: []Task{y}}
	assert.NotEqual(t, wx.ID(), wy.ID())
	assert.Equal(t, wx.ID(), (&Wrapper{Name: "group", Tasks: []Task{newTask(dir, "x")}}).ID())

	rep, err := NewEngine(Opts{MaxCPU: 2}).Execute(ctx, BuildOpts{}, &Wrapper{Name: "all", Tasks: []Task{wx, wy}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), x.runs)
	assert.Equal(t, int32(1), y.runs)
	assert.Equal(t, 5, len(rep.Nodes))
}

func TestFailureIsolation(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()

	f := newTask(dir, "f")
	f.fail = true
	x := newTask(dir, "x", f)
	y := newTask(dir, "y", newTask(dir, "z"))
	root := &Wrapper{Name: "all", Tasks: []Task{x, y}}
	e := NewEngine(Opts{MaxCPU: 4, Parallelism: 4})
	rep, err := e.Execute(ctx, BuildOpts{}, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "f: failed")
	assert.True(t, goerrors.Is(err, errFailed))
	var fe *FailedError
	require.True(t, goerrors.As(err, &fe))
	assert.Equal(t, []ID{f.ID()}, fe.IDs)

	status := func(task Task) State {
		ns, ok := rep.Status(task.ID())
		require.True(t, ok, task.ID())
		return ns.State
	}
	assert.Equal(t, Failed, status(f))
	assert.Equal(t, Cancelled, status(x))
	assert.Equal(t, Cancelled, status(root))
	assert.Equal(t, Done, status(y))
	assert.Equal(t, int32(0), x.runs)
	assert.Equal(t, 1, rep.Count(Failed))
	assert.Equal(t, "done=2 failed=1 cancelled=2", rep.String())

	// Rerun after fixing the failure: the sibling branch is not redone.
	f2 := newTask(dir, "f")
	x2 := newTask(dir, "x", f2)
	y2 := newTask(dir, "y", newTask(dir, "z"))
	rep, err = e.Execute(ctx, BuildOpts{}, &Wrapper{Name: "all", Tasks: []Task{x2, y2}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), f2.runs)
	assert.Equal(t, int32(1), x2.runs)
	assert.Equal(t, int32(0), y2.runs)
	assert.Equal(t, 1, rep.Count(Skipped))
}

func TestSharedDependency(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()

	d1 := newTask(dir, "ref")
	d2 := newTask(dir, "ref") // same identity, distinct value
	b := newTask(dir, "b", d1)
	c := newTask(dir, "c", d2, d1)
	g, err := Build(ctx, BuildOpts{}, b, c)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	n, ok := g.Node(d2.ID())
	require.True(t, ok)
	assert.Len(t, n.Dependents, 2)
	cn, _ := g.Node(c.ID())
	assert.Len(t, cn.Deps, 1)

	_, err = NewEngine(Opts{MaxCPU: 2, Parallelism: 4}).Run(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, int32(1), d1.runs+d2.runs)
}

func TestCycle(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	a := newTask(dir, "a")
	b := newTask(dir, "b", a)
	c := newTask(dir, "c", b)
	a.deps = []Task{c}
	_, err := Build(context.Background(), BuildOpts{}, newTask(dir, "root", a))
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, ErrCycle))
	cycle, ok := err.(*CycleError)
	require.True(t, ok)
	assert.Equal(t, []ID{a.ID(), c.ID(), b.ID(), a.ID()}, cycle.Path)
}

func TestCPUBudget(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	var tasks []Task
	for i := 0; i < 6; i++ {
		task := newTask(dir, fmt.Sprint("t", i))
		task.delay = 5 * time.Millisecond
		if i == 0 {
			// Clamped to the budget.
			task.threads = 8
		}
		tasks = append(tasks, task)
	}
	e := NewEngine(Opts{MaxCPU: 3, Parallelism: 6})
	rep, err := e.Execute(context.Background(), BuildOpts{}, tasks...)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Count(Done))
	assert.Equal(t, 3, e.threads(tasks[0]))
	assert.Equal(t, 1, e.threads(tasks[1]))
	assert.True(t, DefaultMaxCPU() >= 1)
	assert.Equal(t, DefaultOpts.MaxCPU, NewEngine(Opts{}).Opts().MaxCPU)
}

func TestCPUBudgetConcurrency(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	var (
		g     gauge
		tasks []Task
	)
	for i := 0; i < 8; i++ {
		task := newTask(dir, fmt.Sprint("t", i))
		task.gauge = &g
		task.delay = 10 * time.Millisecond
		task.threads = 1
		tasks = append(tasks, task)
	}
	e := NewEngine(Opts{MaxCPU: 2, Parallelism: 8})
	_, err := e.Execute(context.Background(), BuildOpts{}, tasks...)
	require.NoError(t, err)
	assert.True(t, g.peak <= 2, "peak %d", g.peak)
}

func TestMissingOutput(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	e := NewEngine(Opts{MaxCPU: 1, Parallelism: 1})

	lazy := newTask(dir, "lazy")
	lazy.noWrite = true
	after := newTask(dir, "after", lazy)
	rep, err := e.Execute(ctx, BuildOpts{}, after)
	require.Error(t, err)
	ns, _ := rep.Status(lazy.ID())
	assert.Equal(t, Failed, ns.State)
	_, ok := ns.Err.(*MissingOutputError)
	assert.True(t, ok, "%v", ns.Err)
	assert.True(t, goerrors.Is(ns.Err, ErrMissingOutput))

	// A dependency that was complete at build time but lost its output
	// before the dependent started.
	dep := newTask(dir, "dep")
	require.NoError(t, ioutil.WriteFile(dep.Outputs()[0], nil, 0644))
	user := newTask(dir, "user", dep)
	g, err := Build(ctx, BuildOpts{}, user)
	require.NoError(t, err)
	require.NoError(t, os.Remove(dep.Outputs()[0]))
	rep, err = e.Run(ctx, g)
	require.Error(t, err)
	ns, _ = rep.Status(user.ID())
	assert.Equal(t, Failed, ns.State)
	assert.True(t, goerrors.Is(ns.Err, ErrMissingOutput))
	assert.Equal(t, int32(0), user.runs)
}

func TestValidate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	e := NewEngine(Opts{MaxCPU: 1, Parallelism: 1})

	stale := true
	task := verifiedTask{newTask(dir, "v")}
	task.verify = func() error {
		if stale {
			return fmt.Errorf("stale")
		}
		return nil
	}
	require.NoError(t, ioutil.WriteFile(task.Outputs()[0], []byte("old"), 0644))

	rep, err := e.Execute(ctx, BuildOpts{}, task)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(Skipped))

	// With validation, stale outputs are rebuilt. Verification also runs
	// after the rebuild, and fails here.
	rep, err = e.Execute(ctx, BuildOpts{Validate: true}, task)
	require.Error(t, err)
	assert.Equal(t, int32(1), task.runs)

	stale = false
	rep, err = e.Execute(ctx, BuildOpts{Validate: true}, task)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(Skipped))
}

func TestSingleExecutionPerID(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	e := NewEngine(Opts{MaxCPU: 4, Parallelism: 4})

	t1 := newTask(dir, "slow")
	t1.started = make(chan struct{})
	t1.release = make(chan struct{})
	t2 := newTask(dir, "slow")
	g1, err := Build(ctx, BuildOpts{}, t1)
	require.NoError(t, err)
	g2, err := Build(ctx, BuildOpts{}, t2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = e.Run(ctx, g1)
	}()
	<-t1.started
	go func() {
		defer wg.Done()
		_, errs[1] = e.Run(ctx, g2)
	}()
	time.Sleep(100 * time.Millisecond)
	close(t1.release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), t1.runs)
	assert.Equal(t, int32(0), t2.runs)
}
