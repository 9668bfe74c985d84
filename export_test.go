package ccsweep

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/ccsweep/netsim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordedSeries() []Series {
	rec := NewRecorder("Vegas", netsim.Wired)
	rec.Append(IterationStats{PacketSize: 40,
		Forward:  MetricPoint{Y: 250, Defined: true},
		Reverse:  MetricPoint{},
		Fairness: MetricPoint{Y: 1, Defined: true}})
	rec.Append(IterationStats{PacketSize: 1500,
		Forward:  MetricPoint{Y: 9876.54321, Defined: true},
		Reverse:  MetricPoint{Y: 0.1, Defined: true},
		Fairness: MetricPoint{Y: 0.9, Defined: true}})
	return rec.Series()
}

func TestRecorderTracksThreeSeries(t *testing.T) {
	series := recordedSeries()
	require.Len(t, series, 3)

	names := []string{}
	for _, s := range series {
		names = append(names, s.Name)
		assert.Len(t, s.Points, 2)
		assert.Equal(t, 40, s.Points[0].X)
		assert.Equal(t, 1500, s.Points[1].X)
		assert.Equal(t, "linespoints", s.Style)
	}
	assert.Equal(t, []string{"Vegas_wired_throughput_SD", "Vegas_wired_throughput_DS", "Vegas_wired_jfi_ALL"}, names)
	assert.False(t, series[1].Points[0].Defined)
}

func TestDataFile(t *testing.T) {
	series := recordedSeries()
	want := "# Vegas throughput destination to source, wired\n" +
		"# Packet Size (Bytes)\tThroughput (Kbps)\n" +
		"40 ?\n" +
		"1500 0.1\n"
	assert.Equal(t, want, DataFile(&series[1]))
	assert.Contains(t, DataFile(&series[0]), "1500 9876.54321\n")
}

func TestPlotScript(t *testing.T) {
	series := recordedSeries()
	script := PlotScript(&series[2], "Vegas_wired_jfi_ALL.dat")
	assert.Contains(t, script, `set output "Vegas_wired_jfi_ALL.png"`)
	assert.Contains(t, script, `set xlabel "Packet Size (Bytes)"`)
	assert.Contains(t, script, `set ylabel "Jain Fairness Index"`)
	assert.Contains(t, script, `set datafile missing "?"`)
	assert.Contains(t, script, `plot "Vegas_wired_jfi_ALL.dat" using 1:2 title "Vegas_wired_jfi_ALL" with linespoints`)
}

func TestExportWritesPairs(t *testing.T) {
	dir := t.TempDir()
	series := recordedSeries()

	files, err := Export(dir, series, false)
	require.NoError(t, err)
	assert.Len(t, files, 6)
	for _, s := range series {
		plt, dat := ArtifactNames(&s, false)
		assert.FileExists(t, filepath.Join(dir, plt))
		assert.FileExists(t, filepath.Join(dir, dat))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6, "no temporary files left behind")

	files, err = Export(dir, series[:1], true)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "Vegas_wired_throughput_SD.partial.dat"),
		filepath.Join(dir, "Vegas_wired_throughput_SD.partial.plt")}, files)
}

func TestExportFailureNamesSeriesAndPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent")
	_, err := Export(dir, recordedSeries(), false)
	require.Error(t, err)

	var outErr *OutputWriteError
	require.True(t, errors.As(err, &outErr))
	assert.Equal(t, "Vegas_wired_throughput_SD", outErr.Series)
	assert.Equal(t, filepath.Join(dir, "Vegas_wired_throughput_SD.dat"), outErr.Path)
}
