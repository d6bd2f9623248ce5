package pipeline

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/popgen/config"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/inference"
	"github.com/grailbio/popgen/taskgraph"
	"github.com/grailbio/popgen/toolexec"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genome    = "ToyGen"
	reference = "ACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGTACGT"
)

// sampleIndex drives the genotypes the fake caller emits for each sample.
var sampleIndex = map[string]int{"O1": 0, "D1": 1, "D2": 2, "W1": 3, "W2": 4}

func configText(dir string) string {
	return fmt.Sprintf(`
workdir: %s
genome: {name: %s, url: "file://%s/ref.fa.gz"}
targets: targets.bed
outgroup: OUT
populations:
  OUT: [O1]
  DOM: [D1, D2]
  WLD: [W1, W2]
groups:
  all: [OUT, DOM, WLD]
pairs:
  - {group: all, pop1: DOM, pop2: WLD}
models: [split_no_mig]
scenarios:
  - name: free
  - name: short
    fixed: {T: 0.5}
optimize:
  batches: 2
  iterations: 2
  grid: [10]
max_cpu: 2
`, dir, genome, dir)
}

func gzipped(t *testing.T, text string) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fakeTools emulates the external programs: each writes plausible outputs
// where the real program would. Commands that contain a key of fail exit
// with an error instead.
type fakeTools struct {
	t    *testing.T
	mu   sync.Mutex
	cmds []toolexec.Cmd
	fail map[string]string
}

func (f *fakeTools) commands(prefix string) []toolexec.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []toolexec.Cmd
	for _, c := range f.cmds {
		if strings.HasPrefix(strings.Join(c.Args, " "), prefix) {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, flag+"=") {
			return strings.TrimPrefix(a, flag+"=")
		}
	}
	return ""
}

func (f *fakeTools) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0644)
}

func (f *fakeTools) Run(ctx context.Context, cmd toolexec.Cmd) (toolexec.Output, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	line := strings.Join(cmd.Args, " ")
	for key, msg := range f.fail {
		if strings.Contains(line, key) {
			return toolexec.Output{Stderr: []byte(msg)}, &toolexec.ExitError{Args: cmd.Args, Code: 1, Stderr: msg}
		}
	}
	var (
		args   = cmd.Args
		stdout []byte
		err    error
	)
	switch filepath.Base(args[0]) {
	case "curl":
		stdout = gzipped(f.t, ">chr1\n"+reference+"\n")
	case "fastq-dump":
		acc, dir := args[len(args)-1], flagValue(args, "--outdir")
		for _, mate := range []string{"1", "2"} {
			var fq strings.Builder
			for i := 0; i < 3; i++ {
				fmt.Fprintf(&fq, "@%s.%d %d\nACGT\n+\nIIII\n", acc, i, i)
			}
			if err = f.write(filepath.Join(dir, acc+"_"+mate+".fastq.gz"), gzipped(f.t, fq.String())); err != nil {
				break
			}
		}
	case "bwa":
		if args[1] == "index" {
			for _, ext := range bwaIndexExtensions {
				if err = f.write(args[len(args)-1]+"."+ext, []byte(ext)); err != nil {
					break
				}
			}
		} else {
			stdout = []byte("@HD\tVN:1.5\n")
		}
	case "samtools":
		if args[1] == "sort" {
			stdout = []byte("sorted")
		} else {
			err = f.write(args[len(args)-1]+".bai", []byte("bai"))
		}
	case "picard":
		switch args[1] {
		case "CreateSequenceDictionary":
			err = f.write(flagValue(args, "O"), []byte("@HD\n"))
		case "FixMateInformation":
			err = f.write(flagValue(args, "OUTPUT"), []byte("fixed"))
		case "MarkDuplicates":
			out := flagValue(args, "OUTPUT")
			if err = f.writeBAM(out, strings.TrimSuffix(filepath.Base(out), ".rmdup.bam")); err == nil {
				err = f.write(flagValue(args, "METRICS_FILE"), []byte("metrics"))
			}
		}
	case "gatk":
		var samples []string
		for i, a := range args {
			if a == "-I" {
				samples = append(samples, strings.TrimSuffix(filepath.Base(args[i+1]), ".rmdup.bam"))
			}
		}
		err = f.write(flagValue(args, "-O"), []byte(vcfText(samples)))
	default:
		err = fmt.Errorf("unexpected command %s", line)
	}
	if err != nil {
		return toolexec.Output{}, err
	}
	if cmd.Stdout != "" {
		return toolexec.Output{}, f.write(cmd.Stdout, stdout)
	}
	return toolexec.Output{Stdout: stdout}, nil
}

func (f *fakeTools) writeBAM(path, sample string) error {
	header, err := sam.NewHeader([]byte("@HD\tVN:1.5\tSO:coordinate\n@RG\tID:"+sample+"\tSM:"+sample+"\n"), nil)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, header, 1)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.write(path, buf.Bytes())
}

// vcfText calls 50 sites on chr1. The outgroup sample is homozygous for the
// reference; the other samples cycle through the three genotypes at rates
// that depend on the sample.
func vcfText(samples []string) string {
	var b strings.Builder
	b.WriteString("##fileformat=VCFv4.2\n")
	b.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t" + strings.Join(samples, "\t") + "\n")
	for pos := 1; pos <= 50; pos++ {
		ref := reference[pos-1 : pos]
		alt := "A"
		if ref == "A" {
			alt = "C"
		}
		fmt.Fprintf(&b, "chr1\t%d\t.\t%s\t%s\t50\t.\t.\tGT:DP:GQ", pos, ref, alt)
		for _, s := range samples {
			gt := "0/0"
			if k := sampleIndex[s]; k > 0 {
				gt = [...]string{"0/0", "0/1", "1/1"}[(pos*(k+2)+k)%3]
			}
			b.WriteString("\t" + gt + ":10:99")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// expModel stands in for the numerical library: entry (i, j) of the
// spectrum is exp(-i/nu1 - j/nu2).
type expModel struct{}

func (expModel) Evaluate(ctx context.Context, req demography.Request) (demography.Response, error) {
	var resp demography.Response
	for i := 0; i <= req.SampleSizes[0]; i++ {
		for j := 0; j <= req.SampleSizes[1]; j++ {
			v := math.Exp(-float64(i)/req.Params[0] - float64(j)/req.Params[1])
			resp.Values = append(resp.Values, &v)
		}
	}
	return resp, nil
}

// maskedModel reports every evaluation as numerically degenerate.
type maskedModel struct{ expModel }

func (m maskedModel) Evaluate(ctx context.Context, req demography.Request) (demography.Response, error) {
	resp, err := m.expModel.Evaluate(ctx, req)
	resp.Masked = true
	resp.Warning = "extrapolation failed"
	return resp, err
}

// identity returns its starting point.
type identity struct{}

func (identity) Minimize(ctx context.Context, f inference.Objective, p0, lower, upper []float64) ([]float64, error) {
	return p0, nil
}

func newTestEnv(t *testing.T, dir string) (*Env, *fakeTools) {
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "targets.bed"), []byte("chr1\t0\t40\n"), 0644))
	c, err := config.Parse([]byte(configText(dir)))
	require.NoError(t, err)
	tools := &fakeTools{t: t}
	env := NewEnv(c, tools)
	env.LookPath = func(candidates ...string) (string, error) {
		return "", errors.E(errors.NotExist, "no decompressor")
	}
	env.Evaluator = expModel{}
	env.Optimizer = identity{}
	return env, tools
}

func exists(t *testing.T, path string) bool {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestPipeline(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	env, tools := newTestEnv(t, dir)
	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: 2})

	report, err := engine.Execute(ctx, taskgraph.BuildOpts{}, env.Pipeline())
	require.NoError(t, err)
	expect.EQ(t, report.Count(taskgraph.Failed), 0)
	expect.EQ(t, report.Count(taskgraph.Cancelled), 0)

	l := env.Layout
	for _, u := range env.Config.Units() {
		for _, path := range []string{l.CSV(u), l.Summary(u), l.Batch(u, 0), l.Batch(u, 1), l.Plot(u, 0), l.Plot(u, 1)} {
			expect.True(t, exists(t, path), path)
		}
	}
	expect.True(t, exists(t, l.Fasta(genome)))
	expect.True(t, exists(t, l.FastaIndex(genome)))
	expect.True(t, exists(t, l.Data("all")))
	expect.True(t, exists(t, l.Audit("all")))
	expect.True(t, exists(t, l.Spectrum("all", "DOM", "WLD")))
	expect.False(t, exists(t, l.FixMate("D1")))

	// One alignment per sample, each tagged with its read group.
	mem := tools.commands("bwa mem")
	require.Len(t, mem, 5)
	for _, c := range mem {
		expect.EQ(t, flagValue(c.Args, "-t"), "2")
		rg := flagValue(c.Args, "-R")
		expect.True(t, strings.HasPrefix(rg, `@RG\tID:`), rg)
	}
	calls := tools.commands("gatk HaplotypeCaller")
	require.Len(t, calls, 3)
	for _, c := range calls {
		expect.EQ(t, flagValue(c.Args, "-L"), l.Targets())
		expect.EQ(t, flagValue(c.Args, "-R"), l.Fasta(genome))
	}
	targets, err := ioutil.ReadFile(l.Targets())
	require.NoError(t, err)
	expect.EQ(t, string(targets), "chr1:1-40\n")

	// Off-target sites are not counted.
	data, err := ioutil.ReadFile(l.Data("all"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\tchr1\t40\n")
	assert.NotContains(t, string(data), "\tchr1\t41\n")

	// The fixed parameter holds in every result of its scenario.
	short := inference.Unit{Group: "all", Pop1: "DOM", Pop2: "WLD", Model: "split_no_mig", Scenario: "short"}
	csv, err := ioutil.ReadFile(l.CSV(short))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csv)), "\n")
	expect.EQ(t, lines[0], "likelihood,theta,nu1,nu2,T")
	require.True(t, len(lines) > 1)
	for _, line := range lines[1:] {
		expect.True(t, strings.HasSuffix(line, ",0.5"), line)
	}
	summary, err := ioutil.ReadFile(l.Summary(short))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "quantity\tvalue\tabsolute\tunit\n")
	assert.Contains(t, string(summary), "\tgenerations\n")

	// A complete pipeline is not run again.
	n := len(tools.commands(""))
	report, err = engine.Execute(ctx, taskgraph.BuildOpts{}, env.Pipeline())
	require.NoError(t, err)
	expect.EQ(t, report.Count(taskgraph.Done), 0)
	expect.EQ(t, len(tools.commands("")), n)
}

func TestPipelineValidate(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	env, tools := newTestEnv(t, dir)
	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: 2})

	group, err := env.Group("all")
	require.NoError(t, err)
	_, err = engine.Execute(ctx, taskgraph.BuildOpts{}, group)
	require.NoError(t, err)
	n := len(tools.commands(""))

	// Outputs that pass validation are kept.
	report, err := engine.Execute(ctx, taskgraph.BuildOpts{Validate: true}, group)
	require.NoError(t, err)
	expect.EQ(t, report.Count(taskgraph.Done), 0)
	expect.EQ(t, len(tools.commands("")), n)

	// A deduplicated BAM without the sample's read group is redone.
	require.NoError(t, tools.writeBAM(env.Layout.Dedup("D1"), "other"))
	report, err = engine.Execute(ctx, taskgraph.BuildOpts{Validate: true}, &MarkDuplicates{env: env, Sample: "D1", Genome: genome})
	require.NoError(t, err)
	expect.EQ(t, report.Count(taskgraph.Done), 1)
	assert.Len(t, tools.commands("picard MarkDuplicates"), 6)

	_, err = env.Group("nope")
	assert.Error(t, err)
	_, err = env.Unit(inference.Unit{Group: "all", Pop1: "DOM", Pop2: "WLD", Model: "IM", Scenario: "free"})
	assert.Error(t, err)
}

func TestPipelineFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	env, tools := newTestEnv(t, dir)
	tools.fail = map[string]string{"-I " + env.Layout.Dedup("W1"): "out of memory"}
	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: 2})

	report, err := engine.Execute(ctx, taskgraph.BuildOpts{}, env.Pipeline())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	status, ok := report.Status(taskgraph.NewID("CallVariants", "WLD", genome))
	require.True(t, ok)
	expect.EQ(t, status.State, taskgraph.Failed)
	require.Error(t, status.Err)
	assert.Contains(t, status.Err.Error(), "exit status 1")
	status, ok = report.Status(taskgraph.NewID("CallVariants", "DOM", genome))
	require.True(t, ok)
	expect.EQ(t, status.State, taskgraph.Done)
	status, ok = report.Status(taskgraph.NewID("SiteFrequencySpectrum", "all"))
	require.True(t, ok)
	expect.EQ(t, status.State, taskgraph.Cancelled)

	expect.False(t, exists(t, env.Layout.VCF("WLD")))
	expect.True(t, exists(t, env.Layout.VCF("DOM")))
}

func TestReferenceFasta(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	env, tools := newTestEnv(t, dir)
	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: 2})

	// Without a decompressor installed, the archive is decompressed in
	// process.
	_, err := engine.Execute(ctx, taskgraph.BuildOpts{}, &Faidx{env: env, Genome: genome})
	require.NoError(t, err)
	fa, err := ioutil.ReadFile(env.Layout.Fasta(genome))
	require.NoError(t, err)
	expect.EQ(t, string(fa), ">chr1\n"+reference+"\n")
	fai, err := ioutil.ReadFile(env.Layout.FastaIndex(genome))
	require.NoError(t, err)
	expect.EQ(t, string(fai), "chr1\t60\t6\t60\t61\n")
	curl := tools.commands("curl")
	require.Len(t, curl, 1)
	expect.EQ(t, curl[0].Stdout, env.Layout.GenomeArchive(genome))

	// unpigz runs multithreaded.
	require.NoError(t, os.Remove(env.Layout.Fasta(genome)))
	env.LookPath = func(candidates ...string) (string, error) { return "/usr/bin/unpigz", nil }
	tools.fail = map[string]string{"unpigz": "missing library"}
	_, err = engine.Execute(ctx, taskgraph.BuildOpts{}, &ReferenceFasta{env: env, Genome: genome})
	require.Error(t, err)
	unzip := tools.commands("/usr/bin/unpigz")
	require.Len(t, unzip, 1)
	expect.EQ(t, unzip[0].Args, []string{"/usr/bin/unpigz", "-c", "-p", "2", env.Layout.GenomeArchive(genome)})
	expect.False(t, exists(t, env.Layout.Fasta(genome)))
}

func TestCommands(t *testing.T) {
	args, err := toolexec.Args(haplotypeCallerCmd{
		Ref:       "ref.fa",
		Bams:      []string{"a.bam", "b.bam"},
		Intervals: "t.intervals",
		Out:       "p.vcf",
	})
	require.NoError(t, err)
	expect.EQ(t, args, []string{
		"gatk", "HaplotypeCaller", "-R", "ref.fa", "-I", "a.bam", "-I", "b.bam", "-L", "t.intervals",
		"--emit-ref-confidence", "BP_RESOLUTION", "--output-mode", "EMIT_ALL_ACTIVE_SITES",
		"--standard-min-confidence-threshold-for-calling", "30", "-O", "p.vcf",
	})

	args, err = toolexec.Args(bwaMemCmd{Fasta: "ref.fa", R1: "r1.fq.gz", R2: "r2.fq.gz"})
	require.NoError(t, err)
	expect.EQ(t, args, []string{"bwa", "mem", "ref.fa", "r1.fq.gz", "r2.fq.gz"})

	args, err = toolexec.Args(markDuplicatesCmd{In: "in.bam", Out: "out.bam", Metrics: "m.txt"})
	require.NoError(t, err)
	expect.EQ(t, args, []string{"picard", "MarkDuplicates", "INPUT=in.bam", "OUTPUT=out.bam", "METRICS_FILE=m.txt", "REMOVE_DUPLICATES=true", "QUIET=true"})
}

func TestThreadsCappedByEngine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	env, tools := newTestEnv(t, dir)
	expect.EQ(t, env.threads(), 2)
	env.MaxCPU = 8
	expect.EQ(t, env.threads(), 2)
	env.MaxCPU = 1
	expect.EQ(t, env.threads(), 1)

	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: env.MaxCPU})
	_, err := engine.Execute(context.Background(), taskgraph.BuildOpts{}, env.Pipeline())
	require.NoError(t, err)
	mem := tools.commands("bwa mem")
	require.Len(t, mem, 5)
	for _, c := range mem {
		expect.EQ(t, flagValue(c.Args, "-t"), "1")
	}
	for _, c := range tools.commands("samtools sort") {
		expect.EQ(t, flagValue(c.Args, "-@"), "1")
	}
}

func TestPipelineNoValidParams(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	env, _ := newTestEnv(t, dir)
	env.Evaluator = maskedModel{}
	engine := taskgraph.NewEngine(taskgraph.Opts{MaxCPU: 2})

	report, err := engine.Execute(ctx, taskgraph.BuildOpts{}, env.Pipeline())
	require.Error(t, err)
	expect.True(t, goerrors.Is(err, inference.ErrNoValidParams))

	l := env.Layout
	expect.True(t, exists(t, l.Spectrum("all", "DOM", "WLD")))
	for _, u := range env.Config.Units() {
		for b := 0; b < 2; b++ {
			status, ok := report.Status((&OptimizeBatch{env: env, Unit: u, Batch: b}).ID())
			require.True(t, ok)
			expect.EQ(t, status.State, taskgraph.Failed)
			expect.True(t, goerrors.Is(status.Err, inference.ErrNoValidParams), status.Err)
			expect.False(t, exists(t, l.Batch(u, b)))
			expect.False(t, exists(t, l.Plot(u, b)))
		}
		expect.False(t, exists(t, l.CSV(u)))
	}
}
