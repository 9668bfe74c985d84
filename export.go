package ccsweep

// export.go writes each series as a gnuplot script and the data file it plots.
// Rendering the script is left to gnuplot.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// partialInfix marks the artifacts of a sweep that aborted
const partialInfix = ".partial"

// missingValue stands for a no-data point in a data file
const missingValue = "?"

// ArtifactNames gives the script and data file names of a series
func ArtifactNames(series *Series, partial bool) (string, string) {
	base := series.Name
	if partial {
		base += partialInfix
	}
	return base + ".plt", base + ".dat"
}

// PlotScript renders the gnuplot script of a series whose data file is dataFile
func PlotScript(series *Series, dataFile string) string {
	base := strings.TrimSuffix(dataFile, filepath.Ext(dataFile))

	var sb strings.Builder
	sb.WriteString("set terminal png\n")
	fmt.Fprintf(&sb, "set output %q\n", base+".png")
	fmt.Fprintf(&sb, "set title %q\n", series.Title)
	fmt.Fprintf(&sb, "set xlabel %q\n", XLabel)
	fmt.Fprintf(&sb, "set ylabel %q\n", series.Metric.Unit())
	fmt.Fprintf(&sb, "set datafile missing %q\n", missingValue)
	fmt.Fprintf(&sb, "plot %q using 1:2 title %q with %s\n", dataFile, series.Name, series.Style)
	return sb.String()
}

// DataFile renders the points of a series, one "x y" line each in series order
func DataFile(series *Series) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", series.Title)
	fmt.Fprintf(&sb, "# %s\t%s\n", XLabel, series.Metric.Unit())
	for _, pt := range series.Points {
		value := missingValue
		if pt.Defined {
			value = strconv.FormatFloat(pt.Y, 'g', -1, 64)
		}
		fmt.Fprintf(&sb, "%d %s\n", pt.X, value)
	}
	return sb.String()
}

// Export writes the script and data file of every series into dir, returning
// the paths written. The first failure ends the export with an *OutputWriteError.
func Export(dir string, series []Series, partial bool) ([]string, error) {
	written := make([]string, 0, 2*len(series))
	for idx := range series {
		s := &series[idx]
		pltName, datName := ArtifactNames(s, partial)

		datPath := filepath.Join(dir, datName)
		if err := writeAtomic(datPath, DataFile(s)); err != nil {
			return written, &OutputWriteError{Series: s.Name, Path: datPath, Err: err}
		}
		written = append(written, datPath)

		pltPath := filepath.Join(dir, pltName)
		if err := writeAtomic(pltPath, PlotScript(s, datName)); err != nil {
			return written, &OutputWriteError{Series: s.Name, Path: pltPath, Err: err}
		}
		written = append(written, pltPath)
	}
	return written, nil
}

// writeAtomic writes the contents to a temporary file beside filename and
// renames it into place, so a reader never sees a partly written file
func writeAtomic(filename, contents string) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, werr := tmp.WriteString(contents)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmpName, 0o644)
	}
	if werr == nil {
		werr = os.Rename(tmpName, filename)
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}
	return nil
}
