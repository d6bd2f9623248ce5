package interval

import (
	"bytes"
	"context"
	"io/ioutil"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestParseRegionString(t *testing.T) {
	tests := []struct {
		region  string
		chrName string
		start0  PosType
		end     PosType
	}{
		{
			"chr1:1-1000",
			"chr1",
			0,
			1000,
		},
		{
			"chr1:1000",
			"chr1",
			999,
			1000,
		},
		{
			"chr1",
			"chr1",
			0,
			math.MaxInt32 - 1,
		},
		{
			"GL018705:1,001-2,000",
			"GL018705",
			1000,
			2000,
		},
	}

	for _, tt := range tests {
		result, err := ParseRegionString(tt.region)
		expect.NoError(t, err)
		expect.EQ(t, tt.chrName, result.ChrName)
		expect.EQ(t, tt.start0, result.Start0)
		expect.EQ(t, tt.end, result.End)
	}

	for _, bad := range []string{"", ":1-2", "chr1:0-5", "chr1:10-5", "chr1:x"} {
		_, err := ParseRegionString(bad)
		expect.NotNil(t, err, bad)
	}
}

func TestSet(t *testing.T) {
	entries, err := ReadEntries(strings.NewReader(`@HD	VN:1.5
# comment
chr2:10-20
chr1	99	200
chr1:150-300

chr1:301-310
chr1:400-400
`))
	assert.NoError(t, err)
	s, err := NewSet(entries)
	assert.NoError(t, err)
	expect.EQ(t, s.Entries(), []Entry{
		{"chr1", 99, 310},
		{"chr1", 399, 400},
		{"chr2", 9, 20},
	})
	tests := []struct {
		chr  string
		pos1 int
		want bool
	}{
		{"chr1", 99, false},
		{"chr1", 100, true},
		{"chr1", 310, true},
		{"chr1", 311, false},
		{"chr1", 400, true},
		{"chr1", 401, false},
		{"chr2", 10, true},
		{"chr2", 21, false},
		{"chr3", 10, false},
		{"chr1", 0, false},
	}
	for _, tt := range tests {
		expect.EQ(t, s.Contains(tt.chr, tt.pos1), tt.want, tt)
	}
}

func TestNewSetInvalid(t *testing.T) {
	_, err := NewSet([]Entry{{"chr1", 10, 5}})
	expect.NotNil(t, err)
	_, err = NewSet([]Entry{{"chr1", -1, 5}})
	expect.NotNil(t, err)
}

func TestWriteAndLoad(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	entries := []Entry{{"chr1", 0, 100}, {"chrX", 999, 2000}}
	var buf bytes.Buffer
	assert.NoError(t, WriteIntervalList(&buf, entries))
	expect.EQ(t, buf.String(), "chr1:1-100\nchrX:1000-2000\n")

	path := filepath.Join(tmpdir, "targets.interval_list")
	assert.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))
	got, err := LoadPath(context.Background(), path)
	assert.NoError(t, err)
	expect.EQ(t, got, entries)
}
