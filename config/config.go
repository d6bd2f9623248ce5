// Package config reads the pipeline configuration: the reference genome,
// populations and their samples, the population groups and pairs to
// analyze, the demographic models and scenarios to fit, filter thresholds
// and tool locations.
//
// The configuration is a YAML file. Tool locations, the work directory and
// the CPU budget can be overridden from the environment with POPGEN_*
// variables, for example POPGEN_GATK=/opt/gatk/gatk. A loaded Config is
// immutable: accessors return copies.
//
// Example:
//
//	workdir: /data/rabbits
//	genome:
//	  name: OryCun2.0
//	  url: ftp://ftp.ensembl.org/pub/release-84/fasta/oryctolagus_cuniculus/dna/Oryctolagus_cuniculus.OryCun2.0.dna.toplevel.fa.gz
//	targets: targets.txt
//	outgroup: OUT
//	populations:
//	  OUT: [SRR824842]
//	  DOM: [SRR997325, SRR997320, SRR997321]
//	  WLD-FRE: [SRR997319, SRR997317, SRR997304]
//	groups:
//	  all-pops: [OUT, DOM, WLD-FRE]
//	pairs:
//	  - {group: all-pops, pop1: DOM, pop2: WLD-FRE}
//	models: [split_mig]
//	scenarios:
//	  - name: free
//	  - name: no-mig
//	    fixed: {m: 0}
//	optimize:
//	  batches: 4
//	  iterations: 10
package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/inference"
	"github.com/grailbio/popgen/sfs"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "popgen"

// Genome is the reference genome.
type Genome struct {
	Name string `yaml:"name"`
	// URL is downloaded with curl; file:// URLs are accepted.
	URL string `yaml:"url"`
}

// Tools are the external programs. Each is a program name looked up in
// PATH or a path to the program.
type Tools struct {
	Bwa        string `yaml:"bwa" envconfig:"bwa"`
	Samtools   string `yaml:"samtools" envconfig:"samtools"`
	Picard     string `yaml:"picard" envconfig:"picard"`
	Gatk       string `yaml:"gatk" envconfig:"gatk"`
	FastqDump  string `yaml:"fastq_dump" envconfig:"fastq_dump"`
	Curl       string `yaml:"curl" envconfig:"curl"`
	DadiBridge string `yaml:"dadi_bridge" envconfig:"dadi_bridge"`
}

// DefaultTools are the programs used when the configuration names none.
var DefaultTools = Tools{
	Bwa:        "bwa",
	Samtools:   "samtools",
	Picard:     "picard",
	Gatk:       "gatk",
	FastqDump:  "fastq-dump",
	Curl:       "curl",
	DadiBridge: demography.DefaultBridgeProgram,
}

// Pair is a pair of populations of a group whose joint spectrum is fitted.
type Pair struct {
	Group string `yaml:"group"`
	Pop1  string `yaml:"pop1"`
	Pop2  string `yaml:"pop2"`
}

// Scenario is a variant of a model fit: some parameters fixed, some bounds
// overridden.
type Scenario struct {
	Name string `yaml:"name"`
	// Models restricts the scenario to the named models. Empty means all.
	Models []string `yaml:"models"`
	// Fixed parameters, by name.
	Fixed map[string]float64 `yaml:"fixed"`
	// Lower and Upper override the model's default bounds, by parameter
	// name.
	Lower map[string]float64 `yaml:"lower"`
	Upper map[string]float64 `yaml:"upper"`
}

// Applies reports whether the scenario is fitted for model.
func (s Scenario) Applies(model string) bool {
	if len(s.Models) == 0 {
		return true
	}
	for _, m := range s.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Bounds returns the bounds of m under the scenario.
func (s Scenario) Bounds(m demography.Model) (lower, upper []float64) {
	lower = append([]float64(nil), m.Lower...)
	upper = append([]float64(nil), m.Upper...)
	for name, v := range s.Lower {
		if i := m.Index(name); i >= 0 {
			lower[i] = v
		}
	}
	for name, v := range s.Upper {
		if i := m.Index(name); i >= 0 {
			upper[i] = v
		}
	}
	return lower, upper
}

func (s Scenario) clone() Scenario {
	c := s
	c.Models = append([]string(nil), s.Models...)
	c.Fixed = cloneMap(s.Fixed)
	c.Lower = cloneMap(s.Lower)
	c.Upper = cloneMap(s.Upper)
	return c
}

func cloneMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Optimize controls model fitting.
type Optimize struct {
	// Batches is the number of independent optimization batches per unit.
	Batches int `yaml:"batches"`
	// Iterations is the number of optimizer restarts per batch.
	Iterations int `yaml:"iterations"`
	// Fold scales the perturbation of starting points.
	Fold float64 `yaml:"fold"`
	// MaxResults bounds the ranked results kept per unit.
	MaxResults int `yaml:"max_results"`
	// Grid lists the grid sizes models are evaluated at.
	Grid []int `yaml:"grid"`
	// Unpolarized folds spectra instead of polarizing them with the
	// outgroup.
	Unpolarized bool `yaml:"unpolarized"`
	// Mu is the mutation rate per site per generation used to convert
	// parameters to absolute units.
	Mu float64 `yaml:"mu"`
}

// Filter holds the variant filter thresholds.
type Filter struct {
	MinQual           *float64 `yaml:"min_qual"`
	MinDepth          *int     `yaml:"min_depth"`
	MinGenotypeQual   *float64 `yaml:"min_gq"`
	PruneZeroCoverage bool     `yaml:"prune_zero_coverage"`
	// Placeholders, if set, replaces the ALT tokens treated as non-alleles.
	Placeholders []string `yaml:"placeholders"`
}

type raw struct {
	WorkDir     string              `yaml:"workdir"`
	Genome      Genome              `yaml:"genome"`
	Targets     string              `yaml:"targets"`
	Outgroup    string              `yaml:"outgroup"`
	Populations map[string][]string `yaml:"populations"`
	Groups      map[string][]string `yaml:"groups"`
	Pairs       []Pair              `yaml:"pairs"`
	Models      []string            `yaml:"models"`
	Scenarios   []Scenario          `yaml:"scenarios"`
	Optimize    Optimize            `yaml:"optimize"`
	Filter      Filter              `yaml:"filter"`
	Tools       Tools               `yaml:"tools"`
	MaxCPU      int                 `yaml:"max_cpu"`
	Compression int                 `yaml:"compression"`
}

// env holds the environment overrides: POPGEN_WORKDIR, POPGEN_MAX_CPU,
// POPGEN_BWA, POPGEN_GATK and so on.
type env struct {
	WorkDir string `envconfig:"workdir"`
	MaxCPU  int    `envconfig:"max_cpu"`
	Tools
}

// Config is a validated pipeline configuration.
type Config struct {
	r raw
}

// Load reads and validates the configuration file at path, applying
// environment overrides.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return nil, errors.E(err, "config: read", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.E(err, path)
	}
	return c, nil
}

// Parse decodes and validates a YAML configuration, applying environment
// overrides.
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := yaml.UnmarshalStrict(data, &r); err != nil {
		return nil, errors.E(errors.Invalid, err, "config: parse")
	}
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return nil, errors.E(errors.Invalid, err, "config: environment")
	}
	r.applyEnv(e)
	r.setDefaults()
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &Config{r: r}, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (r *raw) applyEnv(e env) {
	override(&r.WorkDir, e.WorkDir)
	if e.MaxCPU > 0 {
		r.MaxCPU = e.MaxCPU
	}
	override(&r.Tools.Bwa, e.Tools.Bwa)
	override(&r.Tools.Samtools, e.Tools.Samtools)
	override(&r.Tools.Picard, e.Tools.Picard)
	override(&r.Tools.Gatk, e.Tools.Gatk)
	override(&r.Tools.FastqDump, e.Tools.FastqDump)
	override(&r.Tools.Curl, e.Tools.Curl)
	override(&r.Tools.DadiBridge, e.Tools.DadiBridge)
}

func (r *raw) setDefaults() {
	d := DefaultTools
	t := &r.Tools
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&t.Bwa, d.Bwa}, {&t.Samtools, d.Samtools}, {&t.Picard, d.Picard}, {&t.Gatk, d.Gatk},
		{&t.FastqDump, d.FastqDump}, {&t.Curl, d.Curl}, {&t.DadiBridge, d.DadiBridge},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
	if len(r.Scenarios) == 0 {
		r.Scenarios = []Scenario{{Name: "free"}}
	}
	o := &r.Optimize
	if o.Batches <= 0 {
		o.Batches = 1
	}
	if o.Iterations <= 0 {
		o.Iterations = inference.DefaultOpts.Iterations
	}
	if o.Fold <= 0 {
		o.Fold = inference.DefaultOpts.Fold
	}
	if o.MaxResults <= 0 {
		o.MaxResults = inference.DefaultOpts.MaxResults
	}
	if len(o.Grid) == 0 {
		o.Grid = append([]int(nil), demography.DefaultGrid...)
	}
	if o.Mu <= 0 {
		o.Mu = demography.DefaultMu
	}
	if r.Compression <= 0 {
		r.Compression = 6
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("config: "+format, args...))
}

// validName reports whether name can be used in a unit's file name stem,
// whose fields are joined with '_'. Model names contain '_', so population
// and scenario names must not.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "_/")
}

func (r *raw) validate() error {
	if r.WorkDir == "" {
		return invalid("workdir is not set")
	}
	if r.Genome.Name == "" || r.Genome.URL == "" {
		return invalid("genome name and url must be set")
	}
	if len(r.Populations) == 0 {
		return invalid("no populations")
	}
	owner := make(map[string]string)
	for pop, samples := range r.Populations {
		if !validName(pop) {
			return invalid("population name %q: must be nonempty and contain no '_' or '/'", pop)
		}
		if len(samples) == 0 {
			return invalid("population %s has no samples", pop)
		}
		for _, s := range samples {
			if other, ok := owner[s]; ok {
				return invalid("sample %s is in populations %s and %s", s, other, pop)
			}
			owner[s] = pop
		}
	}
	if r.Outgroup != "" {
		if _, ok := r.Populations[r.Outgroup]; !ok {
			return invalid("outgroup %s is not a population", r.Outgroup)
		}
	}
	for group, pops := range r.Groups {
		if len(pops) == 0 {
			return invalid("group %s has no populations", group)
		}
		seen := make(map[string]bool)
		for _, pop := range pops {
			if _, ok := r.Populations[pop]; !ok {
				return invalid("group %s: unknown population %s", group, pop)
			}
			if seen[pop] {
				return invalid("group %s lists population %s twice", group, pop)
			}
			seen[pop] = true
		}
	}
	for _, p := range r.Pairs {
		pops, ok := r.Groups[p.Group]
		if !ok {
			return invalid("pair %s/%s: unknown group %s", p.Pop1, p.Pop2, p.Group)
		}
		if p.Pop1 == p.Pop2 {
			return invalid("pair %s/%s: populations must differ", p.Pop1, p.Pop2)
		}
		for _, pop := range []string{p.Pop1, p.Pop2} {
			if !contains(pops, pop) {
				return invalid("pair %s/%s: population %s is not in group %s", p.Pop1, p.Pop2, pop, p.Group)
			}
		}
	}
	if len(r.Pairs) > 0 && len(r.Models) == 0 {
		return invalid("pairs are configured but no models")
	}
	models := make(map[string]demography.Model)
	for _, name := range r.Models {
		m, err := demography.Lookup(name)
		if err != nil {
			return errors.E(errors.Invalid, err, "config")
		}
		models[name] = m
	}
	names := make(map[string]bool)
	for _, s := range r.Scenarios {
		if s.Name == "" {
			return invalid("scenario without a name")
		}
		if !validName(s.Name) {
			return invalid("scenario name %q: must contain no '_' or '/'", s.Name)
		}
		if names[s.Name] {
			return invalid("duplicate scenario %s", s.Name)
		}
		names[s.Name] = true
		for _, name := range s.Models {
			if _, ok := models[name]; !ok {
				return invalid("scenario %s: model %s is not configured", s.Name, name)
			}
		}
		for _, name := range r.Models {
			if !s.Applies(name) {
				continue
			}
			m := models[name]
			for _, params := range []map[string]float64{s.Fixed, s.Lower, s.Upper} {
				for p := range params {
					if m.Index(p) < 0 {
						return invalid("scenario %s: model %s has no parameter %s", s.Name, name, p)
					}
				}
			}
			lower, upper := s.Bounds(m)
			for i := range lower {
				if lower[i] < 0 || lower[i] > upper[i] {
					return invalid("scenario %s: model %s: bad bounds [%g, %g] for %s", s.Name, name, lower[i], upper[i], m.Params[i])
				}
			}
		}
	}
	f := r.Filter
	if (f.MinQual != nil && *f.MinQual < 0) || (f.MinDepth != nil && *f.MinDepth < 0) || (f.MinGenotypeQual != nil && *f.MinGenotypeQual < 0) {
		return invalid("negative filter threshold")
	}
	if r.MaxCPU < 0 {
		return invalid("max_cpu %d", r.MaxCPU)
	}
	for _, pts := range r.Optimize.Grid {
		if pts <= 0 {
			return invalid("grid size %d", pts)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WorkDir is the directory all stage outputs are written under.
func (c *Config) WorkDir() string { return c.r.WorkDir }

// Genome returns the reference genome.
func (c *Config) Genome() Genome { return c.r.Genome }

// Targets is the path of the capture region file, empty when the whole
// genome is analyzed.
func (c *Config) Targets() string { return c.r.Targets }

// Outgroup is the population used to polarize alleles, if any.
func (c *Config) Outgroup() string { return c.r.Outgroup }

// Populations returns the population names, sorted.
func (c *Config) Populations() []string { return sortedKeys(c.r.Populations) }

// Samples returns the samples of pop.
func (c *Config) Samples(pop string) []string {
	return append([]string(nil), c.r.Populations[pop]...)
}

// Groups returns the group names, sorted.
func (c *Config) Groups() []string { return sortedKeys(c.r.Groups) }

// Group returns the populations of the named group, in configuration
// order.
func (c *Config) Group(name string) ([]string, bool) {
	pops, ok := c.r.Groups[name]
	return append([]string(nil), pops...), ok
}

// Pairs returns the population pairs to fit.
func (c *Config) Pairs() []Pair { return append([]Pair(nil), c.r.Pairs...) }

// Models returns the names of the models to fit.
func (c *Config) Models() []string { return append([]string(nil), c.r.Models...) }

// Scenarios returns the scenarios.
func (c *Config) Scenarios() []Scenario {
	s := make([]Scenario, len(c.r.Scenarios))
	for i := range s {
		s[i] = c.r.Scenarios[i].clone()
	}
	return s
}

// Scenario returns the named scenario.
func (c *Config) Scenario(name string) (Scenario, bool) {
	for _, s := range c.r.Scenarios {
		if s.Name == name {
			return s.clone(), true
		}
	}
	return Scenario{}, false
}

// Optimize returns the optimization settings.
func (c *Config) Optimize() Optimize {
	o := c.r.Optimize
	o.Grid = append([]int(nil), o.Grid...)
	return o
}

// FilterOpts returns the variant filter options. Targets are not loaded.
func (c *Config) FilterOpts() sfs.Opts {
	opts := sfs.DefaultOpts
	opts.Placeholders = append([]string(nil), sfs.DefaultOpts.Placeholders...)
	f := c.r.Filter
	if f.MinQual != nil {
		opts.MinQual = *f.MinQual
	}
	if f.MinDepth != nil {
		opts.MinDepth = *f.MinDepth
	}
	if f.MinGenotypeQual != nil {
		opts.MinGenotypeQual = *f.MinGenotypeQual
	}
	opts.PruneZeroCoverage = f.PruneZeroCoverage
	if len(f.Placeholders) > 0 {
		opts.Placeholders = append([]string(nil), f.Placeholders...)
	}
	return opts
}

// Tools returns the external program locations.
func (c *Config) Tools() Tools { return c.r.Tools }

// MaxCPU is the CPU budget. Zero means the engine default.
func (c *Config) MaxCPU() int { return c.r.MaxCPU }

// Compression is the BAM compression level.
func (c *Config) Compression() int { return c.r.Compression }

// Units returns every (pair, model, scenario) combination to fit, in
// configuration order.
func (c *Config) Units() []inference.Unit {
	var units []inference.Unit
	for _, p := range c.r.Pairs {
		for _, m := range c.r.Models {
			for _, s := range c.r.Scenarios {
				if !s.Applies(m) {
					continue
				}
				units = append(units, inference.Unit{Group: p.Group, Pop1: p.Pop1, Pop2: p.Pop2, Model: m, Scenario: s.Name})
			}
		}
	}
	return units
}
