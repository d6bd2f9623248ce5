package fasta

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// faiRecord is one line of a .fai file.
type faiRecord struct {
	name       string
	length     int64
	offset     int64
	lineBases  int64
	lineWidth  int64
	hasRecords bool
}

func (r *faiRecord) write(w *tsv.Writer) error {
	w.WriteString(r.name)
	w.WriteInt64(r.length)
	w.WriteInt64(r.offset)
	w.WriteInt64(r.lineBases)
	w.WriteInt64(r.lineWidth)
	return w.EndLine()
}

// GenerateIndex generates an index (*.fai) from FASTA.  The index can be later
// passed to NewIndexed() to random-access the FASTA file quickly.
//
// The index format is defined by "samtool faidx"
// (http://www.htslib.org/doc/faidx.html).
func GenerateIndex(out io.Writer, in io.Reader) error {
	var (
		w       = tsv.NewWriter(out)
		r       = bufio.NewReader(in)
		cur     faiRecord
		cumByte int64
	)
	for {
		fullLine, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		eof := err == io.EOF
		cumByte += int64(len(fullLine))
		line := bytes.TrimRight(fullLine, "\r\n")
		switch {
		case len(line) == 0:
		case line[0] == '>':
			if cur.lineWidth != 0 {
				if err := cur.write(w); err != nil {
					return err
				}
			}
			name := line[1:]
			if i := bytes.IndexByte(name, ' '); i >= 0 {
				name = name[:i]
			}
			cur = faiRecord{name: string(name), offset: cumByte, hasRecords: true}
		default:
			if !cur.hasRecords {
				return errors.E("malformed FASTA file")
			}
			if cur.lineWidth == 0 {
				cur.lineWidth = int64(len(fullLine))
				cur.lineBases = int64(len(line))
			}
			cur.length += int64(len(line))
		}
		if eof {
			break
		}
	}
	if cumByte == 0 {
		return errors.E("empty FASTA file")
	}
	if cur.lineWidth != 0 {
		if err := cur.write(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteIndex generates the index of the FASTA file at fastaPath and writes
// it to indexPath.
func WriteIndex(ctx context.Context, fastaPath, indexPath string) (err error) {
	in, err := file.Open(ctx, fastaPath)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	out, err := file.Create(ctx, indexPath)
	if err != nil {
		return err
	}
	if err = GenerateIndex(out.Writer(ctx), in.Reader(ctx)); err != nil {
		out.Discard(ctx)
		return errors.E(err, "faidx", fastaPath)
	}
	return out.Close(ctx)
}
