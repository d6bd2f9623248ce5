package spectrum

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/popgen/sfs"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testData = `Ref	Out	Allele1	A	B	Allele2	A	B	Chrom	Position
-A-	---	A	2	1	G	0	1	c	1
-C-	-T-	C	1	2	T	1	0	c	2
-G-	---	G	1	0	T	0	0	c	3
`

func readData(t *testing.T, text string) *sfs.Data {
	d, _, _, err := sfs.ReadData(strings.NewReader(text))
	require.NoError(t, err)
	return d
}

func TestProject(t *testing.T) {
	p := projector{cache: make(map[[3]int][]float64)}
	v := p.project(2, 4, 2)
	assert.InDeltaSlice(t, []float64{1.0 / 6, 4.0 / 6, 1.0 / 6}, v, 1e-12)
	v = p.project(2, 4, 0)
	assert.InDeltaSlice(t, []float64{1, 0, 0}, v, 1e-12)
	v = p.project(3, 3, 2)
	assert.InDeltaSlice(t, []float64{0, 0, 1, 0}, v, 1e-12)
	expect.EQ(t, ProjectionSize(5), 8)
	expect.EQ(t, ProjectionSize(1), 2)
}

func TestFromDataPolarized(t *testing.T) {
	s, err := FromData(readData(t, testData), [2]string{"A", "B"}, [2]int{2, 2}, true)
	require.NoError(t, err)
	expect.EQ(t, s.Values(), []float64{0, 1, 0, 0, 0, 1, 0, 0, 0})
	expect.True(t, s.Masked(0, 0))
	expect.True(t, s.Masked(2, 2))
	expect.False(t, s.Masked(1, 1))
	expect.False(t, s.Folded)
	expect.EQ(t, s.Sum(), 2.0)
}

func TestFromDataFolded(t *testing.T) {
	s, err := FromData(readData(t, testData), [2]string{"A", "B"}, [2]int{2, 2}, false)
	require.NoError(t, err)
	expect.True(t, s.Folded)
	expect.EQ(t, s.At(0, 1), 1.0)
	expect.EQ(t, s.At(1, 0), 1.0)
	expect.True(t, s.Masked(2, 1))
	expect.True(t, s.Masked(1, 2))
	expect.EQ(t, s.Sum(), 2.0)
}

func TestFromDataProjectsDown(t *testing.T) {
	text := "Ref Out Allele1 A B Allele2 A B Chrom Position\n" +
		"-A- --- A 2 2 G 2 2 c 1\n"
	s, err := FromData(readData(t, text), [2]string{"A", "B"}, [2]int{2, 2}, true)
	require.NoError(t, err)
	// Every site contributes unit mass spread over the projected entries.
	var total float64
	for _, v := range s.Values() {
		total += v
	}
	assert.InDelta(t, 1.0, total, 1e-12)
	assert.InDelta(t, 16.0/36, s.At(1, 1), 1e-12)

	_, err = FromData(readData(t, text), [2]string{"A", "B"}, [2]int{0, 2}, true)
	expect.NotNil(t, err)
}

func TestFold(t *testing.T) {
	s, err := FromValues(1, 1, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	f := s.Fold()
	// (0,1) and (1,0) sit on the anti-diagonal and are averaged with each
	// other; (1,1) folds onto (0,0).
	expect.EQ(t, f.Values(), []float64{5, 2.5, 2.5, 0})
	expect.True(t, f.Masked(1, 1))
	expect.False(t, f.Masked(0, 1))
	expect.EQ(t, f.Fold().Values(), f.Values())
}

func TestLikelihood(t *testing.T) {
	data, err := FromValues(1, 2, []float64{0, 10, 4, 6, 3, 0})
	require.NoError(t, err)
	data.MaskCorners()
	model := data.Scale(0.01)

	assert.InDelta(t, 100.0, OptimalScaling(model, data), 1e-9)
	ll, theta := LLMultinom(model, data)
	assert.InDelta(t, 100.0, theta, 1e-9)
	assert.InDelta(t, LogLikelihood(data, data), ll, 1e-9)

	other, err := FromValues(1, 2, []float64{0, 1, 1, 1, 1, 0})
	require.NoError(t, err)
	llOther, _ := LLMultinom(other, data)
	expect.True(t, llOther < ll)
	assert.NoError(t, Validate(other, data))

	zero, err := FromValues(1, 2, []float64{0, 0, 1, 1, 1, 0})
	require.NoError(t, err)
	expect.True(t, math.IsInf(LogLikelihood(zero, data), -1))
	expect.NotNil(t, Validate(zero, data))

	nan, err := FromValues(1, 2, []float64{0, math.NaN(), 1, 1, 1, 0})
	require.NoError(t, err)
	expect.NotNil(t, Validate(nan, data))
	expect.NotNil(t, Validate(New(2, 2), data))

	res := AnscombeResiduals(data, data)
	for i, v := range res.Values() {
		expect.EQ(t, v, 0.0, i)
	}
	expect.True(t, res.Masked(0, 0))
	res = AnscombeResiduals(other.Scale(5), data)
	expect.True(t, res.At(0, 1) > 0)
	expect.True(t, res.At(1, 1) < 0)
}

func TestReadWrite(t *testing.T) {
	s, err := FromValues(2, 1, []float64{0, 1.5, 2, 3, 4, 0.25})
	require.NoError(t, err)
	s.Pops = [2]string{"DOM", "WLD"}
	s.MaskCorners()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s))
	expect.EQ(t, buf.String(), "3 2 unfolded \"DOM\" \"WLD\"\n0 1.5 2 3 4 0.25\n1 0 0 0 0 1\n")
	s2, err := Read(&buf)
	require.NoError(t, err)
	expect.EQ(t, s2, s)

	s3, err := Read(strings.NewReader("# dadi\n3 2 folded\n0 1 2 3 4 5\n"))
	require.NoError(t, err)
	expect.True(t, s3.Folded)
	expect.False(t, s3.Masked(0, 0))
	expect.EQ(t, s3.At(2, 1), 5.0)

	for _, bad := range []string{
		"",
		"3 2\n",
		"x 2\n0 1 2 3 4 5\n",
		"3 2\n0 1 2\n",
		"3 2\n0 1 2 3 4 x\n",
		"3 2\n0 1 2 3 4 5\n0 1\n",
	} {
		_, err := Read(strings.NewReader(bad))
		expect.NotNil(t, err, bad)
	}
}

func TestFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	s, err := FromData(readData(t, testData), [2]string{"A", "B"}, [2]int{2, 2}, true)
	require.NoError(t, err)
	path := filepath.Join(dir, "AB.fs")
	require.NoError(t, WriteFile(ctx, path, s))
	s2, err := ReadFile(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, s2.Values(), s.Values())
	expect.EQ(t, s2.Mask(), s.Mask())
	expect.EQ(t, s2.Pops, s.Pops)
}
