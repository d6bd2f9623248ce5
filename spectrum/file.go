package spectrum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Write writes s in the dadi ".fs" text format:
//
//	<n1+1> <n2+1> folded|unfolded ["pop1" "pop2"]
//	<row-major entries>
//	<row-major mask, 1 for masked>
func Write(w io.Writer, s *Spectrum) error {
	bw := bufio.NewWriter(w)
	r, c := s.data.Dims()
	fmt.Fprintf(bw, "%d %d ", r, c)
	if s.Folded {
		bw.WriteString("folded")
	} else {
		bw.WriteString("unfolded")
	}
	if s.Pops[0] != "" || s.Pops[1] != "" {
		fmt.Fprintf(bw, " %q %q", s.Pops[0], s.Pops[1])
	}
	bw.WriteByte('\n')
	for i, v := range s.Values() {
		if i > 0 {
			bw.WriteByte(' ')
		}
		bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	bw.WriteByte('\n')
	for i, m := range s.mask {
		if i > 0 {
			bw.WriteByte(' ')
		}
		if m {
			bw.WriteByte('1')
		} else {
			bw.WriteByte('0')
		}
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

// Read parses a spectrum written by Write. Lines starting with '#' are
// ignored. A missing mask line means no entry is masked.
func Read(r io.Reader) (*Spectrum, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 64<<20)
	var lines []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 2 {
		return nil, errors.E("spectrum: missing header or data line")
	}
	header := strings.Fields(lines[0])
	if len(header) < 2 {
		return nil, errors.E(fmt.Sprintf("spectrum: bad header %q", lines[0]))
	}
	var dims [2]int
	for i := range dims {
		n, err := strconv.Atoi(header[i])
		if err != nil || n < 2 {
			return nil, errors.E(fmt.Sprintf("spectrum: bad header %q", lines[0]))
		}
		dims[i] = n
	}
	s := New(dims[0]-1, dims[1]-1)
	rest := header[2:]
	if len(rest) > 0 && (rest[0] == "folded" || rest[0] == "unfolded") {
		s.Folded = rest[0] == "folded"
		rest = rest[1:]
	}
	for i := 0; i < len(rest) && i < 2; i++ {
		s.Pops[i] = strings.Trim(rest[i], `"`)
	}

	values := strings.Fields(lines[1])
	if len(values) != len(s.mask) {
		return nil, errors.E(fmt.Sprintf("spectrum: %d entries, want %d", len(values), len(s.mask)))
	}
	data := s.Values()
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.E(err, "spectrum: entry", strconv.Itoa(i))
		}
		data[i] = f
	}
	if len(lines) > 2 {
		mask := strings.Fields(lines[2])
		if len(mask) != len(s.mask) {
			return nil, errors.E(fmt.Sprintf("spectrum: %d mask entries, want %d", len(mask), len(s.mask)))
		}
		for i, m := range mask {
			s.mask[i] = m != "0"
		}
	}
	return s, nil
}

// WriteFile writes s to path. A partially written file is discarded.
func WriteFile(ctx context.Context, path string, s *Spectrum) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := Write(out.Writer(ctx), s); err != nil {
		out.Discard(ctx)
		return errors.E(err, path)
	}
	return out.Close(ctx)
}

// ReadFile reads the spectrum at path.
func ReadFile(ctx context.Context, path string) (s *Spectrum, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if s, err = Read(in.Reader(ctx)); err != nil {
		err = errors.E(err, path)
	}
	return
}
