package sfs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/popgen/encoding/fasta"
)

// FingerprintPrefix starts the comment line that records the filter
// options a data file was produced with.
const FingerprintPrefix = "# filter: "

const unknownContext = "---"

// WriteOpts controls WriteData.
type WriteOpts struct {
	// Outgroup, if set, names the population whose homozygous call gives
	// the ancestral allele written to the Out column.
	Outgroup string
	// Fingerprint, if set, is written as a leading comment line.
	Fingerprint string
}

// WriteData writes the sites of d in the data-dictionary text format read
// by dadi's make_data_dict:
//
//	Ref	Out	Allele1	<pops...>	Allele2	<pops...>	Chrom	Position
//
// Sites are ordered by (chrom, pos). Sites with more than two alleles across
// populations, or whose populations disagree on the reference base, are
// omitted. It returns the number of sites written.
func WriteData(w io.Writer, d *Data, pops []string, opts WriteOpts) (int, error) {
	out := tsv.NewWriter(w)
	if opts.Fingerprint != "" {
		out.WriteString(FingerprintPrefix + opts.Fingerprint)
		if err := out.EndLine(); err != nil {
			return 0, err
		}
	}
	out.WriteString("Ref")
	out.WriteString("Out")
	out.WriteString("Allele1")
	for _, p := range pops {
		out.WriteString(p)
	}
	out.WriteString("Allele2")
	for _, p := range pops {
		out.WriteString(p)
	}
	out.WriteString("Chrom")
	out.WriteString("Position")
	if err := out.EndLine(); err != nil {
		return 0, err
	}
	var n, dropped int
	for _, k := range d.Keys() {
		s := d.sites[k]
		if !s.Biallelic() {
			dropped++
			log.Debug.Printf("sfs: %s:%d: not written: alleles %v", k.Chrom, k.Pos, s.Alleles())
			continue
		}
		alleles := s.Alleles()
		allele2 := "-"
		if len(alleles) > 1 {
			allele2 = alleles[1]
		}
		refContext := s.Context
		if len(refContext) != 3 {
			refContext = "-" + s.Ref + "-"
		}
		out.WriteString(refContext)
		out.WriteString(outgroupContext(s, refContext, opts.Outgroup))
		out.WriteString(s.Ref)
		for _, p := range pops {
			out.WriteInt64(int64(s.Count(s.Ref, p)))
		}
		out.WriteString(allele2)
		for _, p := range pops {
			out.WriteInt64(int64(s.Count(allele2, p)))
		}
		out.WriteString(k.Chrom)
		out.WriteInt64(int64(k.Pos))
		if err := out.EndLine(); err != nil {
			return n, err
		}
		n++
	}
	if dropped > 0 {
		log.Printf("sfs: %d multi-allelic sites not written", dropped)
	}
	return n, out.Flush()
}

// outgroupContext returns the outgroup's allele in context form, or
// "---" when the outgroup has no homozygous call at the site. Without an
// outgroup population, the allele read from a data file is kept.
func outgroupContext(s *Site, refContext, outgroup string) string {
	if outgroup == "" {
		if len(s.Outgroup) == 3 {
			return s.Outgroup
		}
		return unknownContext
	}
	called := s.Called(outgroup)
	if called == 0 {
		return unknownContext
	}
	for allele, m := range s.Counts {
		if m[outgroup] == called {
			return refContext[:1] + allele + refContext[2:]
		}
	}
	return unknownContext
}

// FillContext sets the Context of every site of d from the reference
// sequence. Flanks outside the sequence are '-'. Sites on sequences the
// reference lacks keep an unknown context.
func FillContext(d *Data, ref fasta.Fasta) {
	var mismatches int
	for k, s := range d.sites {
		length, err := ref.Len(k.Chrom)
		if err != nil || k.Pos < 1 || uint64(k.Pos) > length {
			continue
		}
		pos0 := uint64(k.Pos - 1)
		bases := []byte{'-', s.Ref[0], '-'}
		if base, err := ref.Get(k.Chrom, pos0, pos0+1); err == nil && !strings.EqualFold(base, s.Ref) {
			mismatches++
		}
		if pos0 > 0 {
			if b, err := ref.Get(k.Chrom, pos0-1, pos0); err == nil {
				bases[0] = strings.ToUpper(b)[0]
			}
		}
		if pos0+1 < length {
			if b, err := ref.Get(k.Chrom, pos0+1, pos0+2); err == nil {
				bases[2] = strings.ToUpper(b)[0]
			}
		}
		s.Context = string(bases)
	}
	if mismatches > 0 {
		log.Printf("sfs: %d sites disagree with the reference sequence", mismatches)
	}
}

// ReadData parses a data file written by WriteData. It returns the data,
// the population column names, and the filter fingerprint (empty when the
// file has none). Columns may be separated by any whitespace.
func ReadData(r io.Reader) (d *Data, pops []string, fingerprint string, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var (
		line     int
		header   []string
		allele2  int
		position int
	)
	d = NewData()
	for sc.Scan() {
		line++
		text := sc.Text()
		if strings.HasPrefix(text, FingerprintPrefix) && header == nil {
			fingerprint = strings.TrimPrefix(text, FingerprintPrefix)
			continue
		}
		if strings.HasPrefix(text, "#") || strings.TrimSpace(text) == "" {
			continue
		}
		fields := strings.Fields(text)
		if header == nil {
			header = fields
			allele2 = -1
			for i, h := range header {
				if h == "Allele2" {
					allele2 = i
					break
				}
			}
			if allele2 < 3 || len(header) != 2*allele2 {
				return nil, nil, "", errors.E(fmt.Sprintf("sfs: line %d: bad data file header", line))
			}
			pops = header[3:allele2]
			position = allele2 + 1 + len(pops)
			continue
		}
		if len(fields) != len(header) {
			return nil, nil, "", errors.E(fmt.Sprintf("sfs: line %d: %d columns, want %d", line, len(fields), len(header)))
		}
		pos, err := strconv.Atoi(fields[position+1])
		if err != nil {
			return nil, nil, "", errors.E(err, fmt.Sprintf("sfs: line %d: position", line))
		}
		ref, alt := fields[2], fields[allele2]
		s := d.site(SiteKey{fields[position], pos}, ref)
		s.Context = fields[0]
		s.Outgroup = fields[1]
		if alt != "-" {
			s.addAllele(alt)
		}
		for i, p := range pops {
			for _, c := range []struct {
				allele string
				col    int
			}{{ref, 3 + i}, {alt, allele2 + 1 + i}} {
				n, err := strconv.Atoi(fields[c.col])
				if err != nil {
					return nil, nil, "", errors.E(err, fmt.Sprintf("sfs: line %d: count", line))
				}
				if n > 0 {
					s.addAllele(c.allele)[p] += n
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, "", err
	}
	if header == nil {
		return nil, nil, "", errors.E("sfs: data file has no header")
	}
	return d, pops, fingerprint, nil
}

// ReadDataPath reads the (possibly compressed) data file at path.
func ReadDataPath(ctx context.Context, path string) (d *Data, pops []string, fingerprint string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, "", err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, _ := compress.NewReader(in.Reader(ctx))
	defer r.Close() // nolint: errcheck
	d, pops, fingerprint, err = ReadData(r)
	if err != nil {
		err = errors.E(err, path)
	}
	return
}

// WriteDataPath writes d to path. A partially written file is discarded.
func WriteDataPath(ctx context.Context, path string, d *Data, pops []string, opts WriteOpts) (n int, err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return 0, err
	}
	if n, err = WriteData(out.Writer(ctx), d, pops, opts); err != nil {
		out.Discard(ctx)
		return n, errors.E(err, path)
	}
	return n, out.Close(ctx)
}

// WriteAudit writes skip decisions as a TSV table with a header row.
func WriteAudit(w io.Writer, skips []Skip) error {
	out := tsv.NewWriter(w)
	for _, col := range []string{"population", "chrom", "pos", "sample", "reason", "detail"} {
		out.WriteString(col)
	}
	if err := out.EndLine(); err != nil {
		return err
	}
	orMissing := func(s string) string {
		if s == "" {
			return "."
		}
		return s
	}
	for _, s := range skips {
		out.WriteString(s.Population)
		out.WriteString(s.Chrom)
		out.WriteInt64(int64(s.Pos))
		out.WriteString(orMissing(s.Sample))
		out.WriteString(s.Reason.String())
		out.WriteString(orMissing(s.Detail))
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}
