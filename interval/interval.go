package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// PosType is the coordinate type.
type PosType int32

const posTypeMax = math.MaxInt32

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).  It's exactly the same
// as sort.SearchInts(), except for PosType.
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// Entry represents a single interval, with 0-based coordinates.
type Entry struct {
	ChrName string
	Start0  PosType
	End     PosType
}

// String formats e as a 1-based, closed region string.
func (e Entry) String() string {
	return fmt.Sprintf("%s:%d-%d", e.ChrName, e.Start0+1, e.End)
}

// ParseRegionString parses a region string of one of the forms
//   [contig ID]:[1-based first pos]-[last pos]
//   [contig ID]:[1-based pos]
//   [contig ID]
// returning a contig ID and 0-based interval boundaries.  The interval
// [0, posTypeMax - 1) is returned if there is no positional restriction.
func ParseRegionString(region string) (result Entry, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		result.ChrName = region
		result.End = posTypeMax - 1
		return
	}
	if colonPos == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty contig ID")
		return
	}
	result.ChrName = region[0:colonPos]
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 32); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr)
			return
		}
		result.Start0 = PosType(pos1 - 1)
		result.End = PosType(pos1)
		return
	}
	var start1, end int
	if start1, err = strconv.Atoi(rangeStr[:dashPos]); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr[:dashPos])
		return
	}
	if end, err = strconv.Atoi(rangeStr[dashPos+1:]); err != nil {
		return
	}
	if end < start1 || end >= posTypeMax {
		err = fmt.Errorf("interval.ParseRegionString: invalid range string %v", rangeStr)
		return
	}
	result.Start0 = PosType(start1 - 1)
	result.End = PosType(end)
	return
}

// ReadEntries reads intervals, one per line. A line is either a region
// string ("chr1:100-200", 1-based closed) or a BED record (tab-separated
// chrom, 0-based start, end). Blank lines, '#' comments, "track"/"browser"
// lines and '@' (SAM-style interval list header) lines are skipped.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var (
		entries []Entry
		scanner = bufio.NewScanner(r)
		lineNum int
	)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == '@' ||
			strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			start0, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("interval: line %d", lineNum))
			}
			end, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, errors.E(err, fmt.Sprintf("interval: line %d", lineNum))
			}
			entries = append(entries, Entry{ChrName: fields[0], Start0: PosType(start0), End: PosType(end)})
			continue
		}
		e, err := ParseRegionString(fields[0])
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("interval: line %d", lineNum))
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// LoadPath reads the interval file at path. Gzip-compressed files are
// detected automatically.
func LoadPath(ctx context.Context, path string) (entries []Entry, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	r, _ := compress.NewReader(f.Reader(ctx))
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if entries, err = ReadEntries(r); err != nil {
		err = errors.E(err, path)
	}
	return
}

// Set is a union of intervals. For each chromosome, the intervals are
// stored as a sorted endpoint array: interval k is [a[2k], a[2k+1]). A
// 0-based position p is covered iff the number of endpoints <= p is odd.
type Set struct {
	nameMap map[string][]PosType
	names   []string
}

// NewSet merges entries into a Set. Entries need not be sorted; overlapping
// and abutting intervals are merged.
func NewSet(entries []Entry) (*Set, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	for _, e := range sorted {
		if e.Start0 < 0 || e.End < e.Start0 || e.End >= posTypeMax {
			return nil, fmt.Errorf("interval.NewSet: invalid coordinate pair %s [%d, %d)", e.ChrName, e.Start0, e.End)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ChrName != sorted[j].ChrName {
			return sorted[i].ChrName < sorted[j].ChrName
		}
		return sorted[i].Start0 < sorted[j].Start0
	})
	s := &Set{nameMap: make(map[string][]PosType)}
	for _, e := range sorted {
		if e.End == e.Start0 {
			continue
		}
		ends, ok := s.nameMap[e.ChrName]
		if !ok {
			s.names = append(s.names, e.ChrName)
		}
		if n := len(ends); n > 0 && e.Start0 <= ends[n-1] {
			if e.End > ends[n-1] {
				ends[n-1] = e.End
			}
		} else {
			ends = append(ends, e.Start0, e.End)
		}
		s.nameMap[e.ChrName] = ends
	}
	return s, nil
}

// Contains checks whether the 1-based position pos1 on chromosome chrName is
// covered.
func (s *Set) Contains(chrName string, pos1 int) bool {
	ends := s.nameMap[chrName]
	if ends == nil || pos1 <= 0 || pos1 >= posTypeMax {
		return false
	}
	// [pos0, pos0+1) is covered iff an odd number of endpoints are <= pos0.
	return searchPosType(ends, PosType(pos1))&1 == 1
}

// Entries returns the merged intervals, ordered by chromosome name then
// position.
func (s *Set) Entries() []Entry {
	var entries []Entry
	for _, name := range s.names {
		ends := s.nameMap[name]
		for i := 0; i < len(ends); i += 2 {
			entries = append(entries, Entry{ChrName: name, Start0: ends[i], End: ends[i+1]})
		}
	}
	return entries
}

// WriteIntervalList writes entries as a GATK interval list, one
// "<chr>:<start>-<stop>" line per entry.
func WriteIntervalList(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
