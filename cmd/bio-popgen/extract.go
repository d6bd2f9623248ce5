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
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/popgen/encoding/fasta"
	"github.com/grailbio/popgen/interval"
	"github.com/grailbio/popgen/sfs"
	"v.io/x/lib/cmdline"
)

type extractFlags struct {
	out, audit, reference, outgroup, targets string
	opts                                     sfs.Opts
}

func newCmdExtract() *cmdline.Command {
	flags := extractFlags{opts: sfs.DefaultOpts}
	cmd := &cmdline.Command{
		Name:     "extract",
		Short:    "Build an allele count table from VCF files",
		ArgsName: "pop=vcf:sample,sample,... ...",
		Long: `
Extract filters the calls of each population's samples and writes the
allele count table read by the spectrum subcommand. Each argument names a
population, the VCF file holding its calls and the samples that belong to
it, for example

  bio-popgen extract -reference ref.fa -out all.data DOM=vcf/DOM.vcf:D1,D2 WLD=vcf/WLD.vcf:W1,W2

Populations are written in argument order.`,
	}
	cmd.Flags.StringVar(&flags.out, "out", "", "Output allele count table")
	cmd.Flags.StringVar(&flags.audit, "audit", "", "If set, write the filter decisions as TSV to this file")
	cmd.Flags.StringVar(&flags.reference, "reference", "", "Reference FASTA; if set, the sequence context of each site is filled in")
	cmd.Flags.StringVar(&flags.outgroup, "outgroup", "", "Population that polarizes the ancestral allele")
	cmd.Flags.StringVar(&flags.targets, "targets", "", "BED or region list file restricting the sites considered")
	cmd.Flags.Float64Var(&flags.opts.MinQual, "min-qual", flags.opts.MinQual, "Minimum site QUAL")
	cmd.Flags.IntVar(&flags.opts.MinDepth, "min-depth", flags.opts.MinDepth, "Minimum per-sample read depth")
	cmd.Flags.Float64Var(&flags.opts.MinGenotypeQual, "min-gq", flags.opts.MinGenotypeQual, "Minimum per-sample genotype quality")
	cmd.Flags.BoolVar(&flags.opts.PruneZeroCoverage, "prune-zero", false, "Drop sites no sample passed")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return env.UsageErrorf("extract needs at least one population")
		}
		if flags.out == "" {
			return env.UsageErrorf("-out is required")
		}
		return runExtract(vcontext.Background(), flags, argv)
	})
	return cmd
}

// parsePopulation parses a pop=vcf:sample,sample,... argument.
func parsePopulation(arg string) (sfs.Population, string, error) {
	eq := strings.Index(arg, "=")
	colon := strings.LastIndex(arg, ":")
	if eq <= 0 || colon < eq {
		return sfs.Population{}, "", fmt.Errorf("%s: want pop=vcf:sample,sample,...", arg)
	}
	pop := sfs.Population{Name: arg[:eq]}
	path := arg[eq+1 : colon]
	if path == "" {
		return sfs.Population{}, "", fmt.Errorf("%s: missing VCF path", arg)
	}
	for _, s := range strings.Split(arg[colon+1:], ",") {
		if s = strings.TrimSpace(s); s != "" {
			pop.Samples = append(pop.Samples, s)
		}
	}
	if len(pop.Samples) == 0 {
		return sfs.Population{}, "", fmt.Errorf("%s: no samples", arg)
	}
	return pop, path, nil
}

func runExtract(ctx context.Context, flags extractFlags, args []string) error {
	var (
		pops  = make([]sfs.Population, len(args))
		names = make([]string, len(args))
		paths = make(map[string]string)
	)
	for i, arg := range args {
		pop, path, err := parsePopulation(arg)
		if err != nil {
			return err
		}
		if _, ok := paths[pop.Name]; ok {
			return fmt.Errorf("population %s given twice", pop.Name)
		}
		pops[i], names[i], paths[pop.Name] = pop, pop.Name, path
	}
	if flags.outgroup != "" {
		if _, ok := paths[flags.outgroup]; !ok {
			return fmt.Errorf("outgroup %s is not among the populations", flags.outgroup)
		}
	}
	opts := flags.opts
	if flags.targets != "" {
		entries, err := interval.LoadPath(ctx, flags.targets)
		if err != nil {
			return err
		}
		if opts.Targets, err = interval.NewSet(entries); err != nil {
			return errors.E(err, flags.targets)
		}
	}
	var audit sfs.AuditLog
	data, err := sfs.Build(ctx, pops, paths, opts, &audit)
	if err != nil {
		return err
	}
	if flags.reference != "" {
		ref, err := fasta.Open(ctx, flags.reference)
		if err != nil {
			return err
		}
		sfs.FillContext(data, ref.Fasta)
		if err := ref.Close(ctx); err != nil {
			return err
		}
	}
	n, err := sfs.WriteDataPath(ctx, flags.out, data, names, sfs.WriteOpts{
		Outgroup:    flags.outgroup,
		Fingerprint: opts.Fingerprint(),
	})
	if err != nil {
		return err
	}
	log.Printf("%s: wrote %d sites", flags.out, n)
	if flags.audit == "" {
		return nil
	}
	return writeAudit(ctx, flags.audit, audit.Skips())
}

func writeAudit(ctx context.Context, path string, skips []sfs.Skip) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := sfs.WriteAudit(out.Writer(ctx), skips); err != nil {
		out.Discard(ctx)
		return err
	}
	return out.Close(ctx)
}
