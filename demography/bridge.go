package demography

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/popgen/toolexec"
	"golang.org/x/sync/errgroup"
)

// Request asks for the spectrum of a model.
type Request struct {
	Model       string    `json:"model"`
	Params      []float64 `json:"params"`
	SampleSizes [2]int    `json:"ns"`
	Grid        []int     `json:"pts"`
}

// Response is a model spectrum for theta = 1, row-major. Non-finite
// entries are null. Masked reports that the numerical solution degenerated;
// Warning carries the library's diagnostic, if any.
type Response struct {
	Values  []*float64 `json:"values"`
	Mask    []bool     `json:"mask,omitempty"`
	Masked  bool       `json:"masked"`
	Warning string     `json:"warning,omitempty"`
}

// Evaluator computes model spectra.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Response, error)
}

// DefaultBridgeProgram is the bridge executable looked up in PATH.
const DefaultBridgeProgram = "dadi-bridge"

// Bridge evaluates models by running an external program that wraps the
// numerical library:
//
//	dadi-bridge evaluate --request req.json
//
// The request file holds a JSON Request for a single grid size and the
// program prints a JSON Response on stdout. A request for several grid
// sizes runs one process per size, concurrently, and extrapolates the
// results to zero grid spacing.
type Bridge struct {
	// Runner runs the program. Nil means toolexec.Local.
	Runner toolexec.Runner
	// Program is the bridge executable. Empty means DefaultBridgeProgram.
	Program string
	// TempDir holds request files. Empty means the system default.
	TempDir string
}

type evaluateCmd struct {
	Cmd     string `buildarg:"{{if .}}{{.}}{{else}}dadi-bridge{{end}}"`
	Sub     string `buildarg:"evaluate"`
	Request string `buildarg:"--request{{split}}{{.}}"`
}

func (c evaluateCmd) BuildCommand() (*exec.Cmd, error) { return toolexec.Build(c) }

// Evaluate implements Evaluator.
func (b *Bridge) Evaluate(ctx context.Context, req Request) (Response, error) {
	if len(req.Grid) == 0 {
		req.Grid = DefaultGrid
	}
	if len(req.Grid) == 1 {
		return b.run(ctx, req)
	}
	resps := make([]Response, len(req.Grid))
	g, gctx := errgroup.WithContext(ctx)
	for i, pts := range req.Grid {
		i, r := i, req
		r.Grid = []int{pts}
		g.Go(func() error {
			var err error
			resps[i], err = b.run(gctx, r)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}
	return Extrapolate(req.Grid, resps)
}

func (b *Bridge) run(ctx context.Context, req Request) (resp Response, err error) {
	dir, err := os.MkdirTemp(b.TempDir, "dadi")
	if err != nil {
		return resp, errors.E(err, "demography: bridge temp dir")
	}
	defer os.RemoveAll(dir) // nolint: errcheck
	path := filepath.Join(dir, "request.json")
	js, err := json.Marshal(req)
	if err != nil {
		return resp, errors.E(err, "demography: encode request")
	}
	if err = file.WriteFile(ctx, path, js); err != nil {
		return resp, errors.E(err, "demography: write request", path)
	}
	runner := b.Runner
	if runner == nil {
		runner = toolexec.Local{}
	}
	log.Debug.Printf("demography: %s%v at pts=%v", req.Model, req.Params, req.Grid)
	out, err := toolexec.RunTool(ctx, runner, evaluateCmd{Cmd: b.Program, Request: path}, "")
	if err != nil {
		return resp, err
	}
	if err = json.Unmarshal(out.Stdout, &resp); err != nil {
		return resp, errors.E(err, fmt.Sprintf("demography: decode bridge response %q", truncate(string(out.Stdout), 200)))
	}
	want := (req.SampleSizes[0] + 1) * (req.SampleSizes[1] + 1)
	if len(resp.Values) != want {
		return resp, errors.E(fmt.Sprintf("demography: bridge returned %d values, want %d", len(resp.Values), want))
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Extrapolate combines spectra computed at the given grid sizes into an
// estimate for an infinitely fine grid, by quadratic extrapolation in grid
// spacing (1/pts) to zero. Positive entries are extrapolated in log space.
// The result is masked if any input is, and entries masked in any input
// are masked and zero in the result.
func Extrapolate(grid []int, resps []Response) (Response, error) {
	if len(grid) != len(resps) || len(grid) == 0 {
		return Response{}, errors.E(fmt.Sprintf("demography: %d spectra for %d grid sizes", len(resps), len(grid)))
	}
	if len(grid) == 1 {
		return resps[0], nil
	}
	if len(grid) != 3 {
		return Response{}, errors.E(errors.Invalid, fmt.Sprintf("demography: extrapolation needs 3 grid sizes, got %v", grid))
	}
	n := len(resps[0].Values)
	var (
		out      = Response{Values: make([]*float64, n), Mask: make([]bool, n)}
		warnings []string
		xs       [3]float64
	)
	for i, pts := range grid {
		if pts <= 0 {
			return Response{}, errors.E(errors.Invalid, fmt.Sprintf("demography: grid size %d", pts))
		}
		xs[i] = 1 / float64(pts)
		r := resps[i]
		if len(r.Values) != n {
			return Response{}, errors.E(fmt.Sprintf("demography: spectrum at pts=%d has %d values, want %d", pts, len(r.Values), n))
		}
		if r.Masked {
			out.Masked = true
		}
		if r.Warning != "" {
			warnings = append(warnings, fmt.Sprintf("pts=%d: %s", pts, r.Warning))
		}
		for j, m := range r.Mask {
			if j < n && m {
				out.Mask[j] = true
			}
		}
	}
	out.Warning = strings.Join(warnings, "; ")
	for j := 0; j < n; j++ {
		if out.Mask[j] {
			zero := 0.0
			out.Values[j] = &zero
			continue
		}
		var ys [3]float64
		missing, positive := false, true
		for i := range resps {
			v := resps[i].Values[j]
			if v == nil {
				missing = true
				break
			}
			ys[i] = *v
			if ys[i] <= 0 {
				positive = false
			}
		}
		if missing {
			continue
		}
		var v float64
		if positive {
			for i := range ys {
				ys[i] = math.Log(ys[i])
			}
			v = math.Exp(quadraticExtrap(xs, ys))
		} else {
			v = quadraticExtrap(xs, ys)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out.Values[j] = &v
	}
	return out, nil
}

// quadraticExtrap evaluates at x = 0 the quadratic through (xs[i], ys[i]).
func quadraticExtrap(xs, ys [3]float64) float64 {
	x0, x1, x2 := xs[0], xs[1], xs[2]
	return x1*x2/((x0-x1)*(x0-x2))*ys[0] +
		x0*x2/((x1-x0)*(x1-x2))*ys[1] +
		x0*x1/((x2-x0)*(x2-x1))*ys[2]
}
