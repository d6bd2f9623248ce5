package plot

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/popgen/spectrum"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spectra(t *testing.T) (data, model *spectrum.Spectrum) {
	data, err := spectrum.FromValues(2, 2, []float64{0, 40, 3, 25, 8, 2, 6, 1, 0})
	require.NoError(t, err)
	data.MaskCorners()
	data.Pops = [2]string{"DOM", "WLD"}
	model, err = spectrum.FromValues(2, 2, []float64{0, 38, 4, 27, 7, 2, 5, 1.5, 0})
	require.NoError(t, err)
	return data, model
}

func TestHistogram(t *testing.T) {
	labels, counts := Histogram([]float64{-5, -2.9, -0.1, 0, 0.1, 2.99, 3, 10}, 3, 6)
	expect.EQ(t, labels, []string{"-2.5", "-1.5", "-0.5", "0.5", "1.5", "2.5"})
	expect.EQ(t, counts, []int{2, 0, 1, 2, 0, 3})
}

func TestRender(t *testing.T) {
	data, model := spectra(t)
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, data, model, "DOM_WLD_split_mig", DefaultOpts))
	html := buf.String()
	assert.Contains(t, html, "DOM_WLD_split_mig: data")
	assert.Contains(t, html, "DOM_WLD_split_mig: residuals")
	assert.Contains(t, html, "heatmap")
	assert.Contains(t, html, "WLD")

	other, err := spectrum.FromValues(1, 2, []float64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Error(t, Render(&buf, data, other, "x", DefaultOpts))
}

func TestComparison(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, dir)
	ctx := context.Background()
	data, model := spectra(t)
	path := filepath.Join(dir, "dadi.DOM_WLD_split_mig_free_0.html")
	require.NoError(t, Comparison(ctx, path, data, model, "DOM_WLD"))
	info, err := file.Stat(ctx, path)
	require.NoError(t, err)
	expect.True(t, info.Size() > 0)
}
