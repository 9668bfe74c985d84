package ccsweep

// series.go accumulates metric points across the iterations of a sweep

import (
	"fmt"

	"github.com/iti/ccsweep/netsim"
	"golang.org/x/exp/slices"
)

// Metric names a measured quantity
type Metric string

const (
	ThroughputMetric Metric = "throughput"
	FairnessMetric   Metric = "jfi"
)

// Unit is the label of the metric's axis
func (m Metric) Unit() string {
	switch m {
	case ThroughputMetric:
		return "Throughput (Kbps)"
	case FairnessMetric:
		return "Jain Fairness Index"
	}
	return string(m)
}

// MetricPoint is one (packet size, value) pair. Defined false means no data.
type MetricPoint struct {
	X       int     `json:"x" yaml:"x"`
	Y       float64 `json:"y" yaml:"y"`
	Defined bool    `json:"defined" yaml:"defined"`
}

// Series is an ordered sequence of points for one (metric, direction) pair
type Series struct {
	Name      string        `json:"name" yaml:"name"`
	Title     string        `json:"title" yaml:"title"`
	Metric    Metric        `json:"metric" yaml:"metric"`
	Direction Direction     `json:"direction" yaml:"direction"`
	Style     string        `json:"style" yaml:"style"`
	Points    []MetricPoint `json:"points" yaml:"points"`
}

// XLabel is the label of every series' independent axis
const XLabel = "Packet Size (Bytes)"

// connected points
const plotStyle = "linespoints"

// seriesKey identifies a tracked series
type seriesKey struct {
	metric Metric
	dir    Direction
}

// trackedSeries are the series every sweep records, in export order
var trackedSeries = []seriesKey{
	{ThroughputMetric, Forward},
	{ThroughputMetric, Reverse},
	{FairnessMetric, AllFlows},
}

// Recorder holds the series of one sweep. Only the orchestrator writes to it.
type Recorder struct {
	Variant  string
	Topology netsim.TopoKind
	series   []*Series
}

// NewRecorder creates empty tracked series for the variant and topology
func NewRecorder(variant string, topology netsim.TopoKind) *Recorder {
	rec := &Recorder{Variant: variant, Topology: topology}
	for _, key := range trackedSeries {
		rec.series = append(rec.series, &Series{
			Name:      SeriesName(variant, topology, key.metric, key.dir),
			Title:     seriesTitle(variant, topology, key.metric, key.dir),
			Metric:    key.metric,
			Direction: key.dir,
			Style:     plotStyle,
			Points:    []MetricPoint{},
		})
	}
	return rec
}

// SeriesName is the base name of a series' artifacts, e.g. "Vegas_wired_throughput_SD"
func SeriesName(variant string, topology netsim.TopoKind, metric Metric, dir Direction) string {
	return fmt.Sprintf("%s_%s_%s_%s", variant, topology, metric, dir)
}

func seriesTitle(variant string, topology netsim.TopoKind, metric Metric, dir Direction) string {
	switch {
	case metric == FairnessMetric:
		return fmt.Sprintf("%s fairness, %s", variant, topology)
	case dir == Forward:
		return fmt.Sprintf("%s throughput source to destination, %s", variant, topology)
	default:
		return fmt.Sprintf("%s throughput destination to source, %s", variant, topology)
	}
}

// Append adds exactly one point to every tracked series
func (rec *Recorder) Append(is IterationStats) {
	for _, series := range rec.series {
		var pt MetricPoint
		switch {
		case series.Metric == FairnessMetric:
			pt = is.Fairness
		case series.Direction == Forward:
			pt = is.Forward
		default:
			pt = is.Reverse
		}
		pt.X = is.PacketSize
		series.Points = append(series.Points, pt)
	}
}

// Len is the number of iterations recorded
func (rec *Recorder) Len() int {
	if len(rec.series) == 0 {
		return 0
	}
	return len(rec.series[0].Points)
}

// Series returns copies of the tracked series in export order
func (rec *Recorder) Series() []Series {
	rtn := make([]Series, 0, len(rec.series))
	for _, series := range rec.series {
		cp := *series
		cp.Points = slices.Clone(series.Points)
		rtn = append(rtn, cp)
	}
	return rtn
}
