// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/popgen/demography"
	"github.com/grailbio/popgen/sfs"
	"github.com/grailbio/popgen/spectrum"
	"v.io/x/lib/cmdline"
)

func newCmdSpectrum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "spectrum",
		Short:    "Project an allele count table into a joint frequency spectrum",
		ArgsName: "in.data out.fs",
		Long: `
Spectrum reads an allele count table written by extract and writes the joint
site frequency spectrum of two of its populations. By default each
population is projected to 2(n-1) chromosomes, n being its sample count as
given by -samples; -proj sets the projection explicitly.`,
	}
	var (
		pops      = cmd.Flags.String("pops", "", "Comma-separated pair of populations, e.g. DOM,WLD")
		proj      = cmd.Flags.String("proj", "", "Comma-separated projection sizes, in chromosomes")
		samples   = cmd.Flags.String("samples", "", "Comma-separated sample counts of the two populations; used when -proj is unset")
		polarized = cmd.Flags.Bool("polarized", false, "Count derived alleles against the outgroup instead of folding the spectrum")
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("spectrum takes an input and an output file, but got %v", argv)
		}
		pair, err := parsePair(*pops)
		if err != nil {
			return env.UsageErrorf("-pops: %v", err)
		}
		sizes, err := projection(*proj, *samples)
		if err != nil {
			return env.UsageErrorf("%v", err)
		}
		return runSpectrum(vcontext.Background(), argv[0], argv[1], pair, sizes, *polarized)
	})
	return cmd
}

func parsePair(s string) ([2]string, error) {
	f := strings.Split(s, ",")
	if len(f) != 2 || f[0] == "" || f[1] == "" || f[0] == f[1] {
		return [2]string{}, fmt.Errorf("want two distinct comma-separated values, got %q", s)
	}
	return [2]string{f[0], f[1]}, nil
}

func parseInts(s string) ([2]int, error) {
	var v [2]int
	f := strings.Split(s, ",")
	if len(f) != 2 {
		return v, fmt.Errorf("want two comma-separated integers, got %q", s)
	}
	for i := range f {
		n, err := strconv.Atoi(strings.TrimSpace(f[i]))
		if err != nil || n < 1 {
			return v, fmt.Errorf("want two comma-separated positive integers, got %q", s)
		}
		v[i] = n
	}
	return v, nil
}

// projection returns the projection sizes given by -proj, or derived from
// the sample counts given by -samples.
func projection(proj, samples string) ([2]int, error) {
	switch {
	case proj != "":
		v, err := parseInts(proj)
		if err != nil {
			return v, fmt.Errorf("-proj: %v", err)
		}
		return v, nil
	case samples != "":
		v, err := parseInts(samples)
		if err != nil {
			return v, fmt.Errorf("-samples: %v", err)
		}
		return [2]int{spectrum.ProjectionSize(v[0]), spectrum.ProjectionSize(v[1])}, nil
	}
	return [2]int{}, fmt.Errorf("one of -proj or -samples is required")
}

func runSpectrum(ctx context.Context, in, out string, pops [2]string, proj [2]int, polarized bool) error {
	data, names, _, err := sfs.ReadDataPath(ctx, in)
	if err != nil {
		return err
	}
	for _, p := range pops {
		if !contains(names, p) {
			return fmt.Errorf("%s: no population %s among %v", in, p, names)
		}
	}
	fs, err := spectrum.FromData(data, pops, proj, polarized)
	if err != nil {
		return err
	}
	log.Printf("%s: %v spectrum of %v, %g sites", out, proj, pops, fs.Sum())
	return spectrum.WriteFile(ctx, out, fs)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newCmdModels() *cmdline.Command {
	return &cmdline.Command{
		Name:  "models",
		Short: "List the demographic models and their parameters",
		Runner: cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
			if len(argv) != 0 {
				return env.UsageErrorf("models takes no arguments, but got %v", argv)
			}
			return listModels(env.Stdout)
		}),
	}
}

func joinFloats(v []float64) string {
	s := make([]string, len(v))
	for i := range v {
		s[i] = strconv.FormatFloat(v[i], 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

func listModels(w io.Writer) error {
	out := tsv.NewWriter(w)
	for _, col := range []string{"model", "params", "lower", "upper", "description"} {
		out.WriteString(col)
	}
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, name := range demography.Names() {
		m, err := demography.Lookup(name)
		if err != nil {
			return err
		}
		out.WriteString(m.Name)
		out.WriteString(strings.Join(m.Params, ","))
		out.WriteString(joinFloats(m.Lower))
		out.WriteString(joinFloats(m.Upper))
		out.WriteString(m.Doc)
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}
