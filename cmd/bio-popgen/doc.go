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

/*
Command bio-popgen takes the sequencing reads of samples from several
populations to fitted demographic models of population pairs.

The "run" subcommand executes the whole pipeline described by a YAML
configuration file: it downloads and indexes the reference genome, aligns
and deduplicates each sample, calls variants per population, builds the
allele count table of each population group and the joint frequency
spectrum of each configured pair, and fits every configured model and
scenario to it. Steps whose outputs already exist under the work directory
are not repeated, so an interrupted run can simply be restarted.

The other subcommands run parts of the pipeline ("sfs", "optimize") or its
building blocks on standalone files ("extract", "spectrum"), and list the
demographic models ("models").

Sample usage:

	bio-popgen run -config rabbits.yaml -max-cpu 16
	bio-popgen extract -out pops.data -reference ref.fa \
	    DOM=vcf/DOM.vcf:SRR997325,SRR997320 WLD=vcf/WLD.vcf:SRR997319,SRR997317
	bio-popgen spectrum -pops DOM,WLD -proj 2,2 -polarized pops.data DOM_WLD.fs
*/
package main
