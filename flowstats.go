package ccsweep

// flowstats.go turns a run's flow records into throughput and fairness points

import (
	"math"
	"sort"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// Direction says which way along the dumbbell a series' flows travel
type Direction string

const (
	// Forward is source to destination, the direction of the lowest flow id
	Forward Direction = "SD"
	// Reverse is destination to source
	Reverse Direction = "DS"
	// AllFlows marks a series computed over every data flow
	AllFlows Direction = "ALL"
)

// Throughput gives the flow's received rate in kilobits per second. The
// second return is false, meaning no data, when no bytes arrived or the
// receive window has no length.
func Throughput(rec FlowRecord) (float64, bool) {
	if rec.RxBytes == 0 || !(rec.LastRx > rec.FirstRx) {
		return 0, false
	}
	kbps := float64(rec.RxBytes) * 8 / (rec.LastRx - rec.FirstRx) / 1000
	if math.IsNaN(kbps) || math.IsInf(kbps, 0) || kbps <= 0 {
		return 0, false
	}
	return kbps, true
}

// JainIndex computes (Σt)²/(n·Σt²) over the samples that are finite and
// positive. With none it reports no data; with one the index is 1.
func JainIndex(samples []float64) (float64, bool) {
	included := make([]float64, 0, len(samples))
	for _, t := range samples {
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			continue
		}
		included = append(included, t)
	}

	switch len(included) {
	case 0:
		return 0, false
	case 1:
		return 1.0, true
	}

	allSame := true
	for _, t := range included[1:] {
		if t != included[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return 1.0, true
	}

	sum := floats.Sum(included)
	sumSq := floats.Dot(included, included)
	if !(sumSq > 0) || math.IsInf(sumSq, 0) || math.IsInf(sum, 0) {
		return 0, false
	}
	jfi := (sum * sum) / (float64(len(included)) * sumSq)
	if math.IsNaN(jfi) || jfi <= 0 {
		return 0, false
	}
	return math.Min(jfi, 1.0), true
}

// Classify orders the records by flow id and splits them by role. The
// lowest id is forward, as is every record leaving the same address;
// the rest are reverse. Which flow the engine numbers first is fixed
// by the run's seed.
func Classify(records []FlowRecord) (forward, reverse []FlowRecord) {
	sorted := slices.Clone(records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FlowID < sorted[j].FlowID })
	if len(sorted) == 0 {
		return nil, nil
	}
	origin := sorted[0].Source.Address
	for _, rec := range sorted {
		if rec.Source.Address == origin {
			forward = append(forward, rec)
		} else {
			reverse = append(reverse, rec)
		}
	}
	return forward, reverse
}

// IterationStats are the points one iteration contributes to the tracked series
type IterationStats struct {
	PacketSize int
	Forward    MetricPoint
	Reverse    MetricPoint
	Fairness   MetricPoint

	// ForwardFlow and ReverseFlow are the flow ids the throughputs came from, zero if none
	ForwardFlow int
	ReverseFlow int

	Records []FlowRecord
}

// isDataFlow reports whether the record carries generator traffic into a sink.
// Without sink ports every record counts.
func isDataFlow(rec FlowRecord, sinkPorts []int) bool {
	if len(sinkPorts) == 0 {
		return true
	}
	return slices.Contains(sinkPorts, rec.Destination.Port)
}

// representative picks the record a direction's throughput is read from: the
// lowest-id data flow going that way, else the lowest-id record of any kind
// (in a simplex run the reverse direction has only the acknowledgement stream)
func representative(recs []FlowRecord, sinkPorts []int) (FlowRecord, bool) {
	if len(recs) == 0 {
		return FlowRecord{}, false
	}
	for _, rec := range recs {
		if isDataFlow(rec, sinkPorts) {
			return rec, true
		}
	}
	return recs[0], true
}

// Aggregate derives one iteration's points from its flow records. sinkPorts
// identify the data flows whose throughputs enter the fairness index.
func Aggregate(packetSize int, records []FlowRecord, sinkPorts []int) IterationStats {
	is := IterationStats{PacketSize: packetSize, Records: slices.Clone(records)}
	is.Forward = MetricPoint{X: packetSize}
	is.Reverse = MetricPoint{X: packetSize}
	is.Fairness = MetricPoint{X: packetSize}

	forward, reverse := Classify(records)
	if rec, present := representative(forward, sinkPorts); present {
		is.ForwardFlow = rec.FlowID
		is.Forward.Y, is.Forward.Defined = Throughput(rec)
	}
	if rec, present := representative(reverse, sinkPorts); present {
		is.ReverseFlow = rec.FlowID
		is.Reverse.Y, is.Reverse.Defined = Throughput(rec)
	}

	samples := []float64{}
	for _, rec := range append(forward, reverse...) {
		if !isDataFlow(rec, sinkPorts) {
			continue
		}
		if kbps, ok := Throughput(rec); ok {
			samples = append(samples, kbps)
		}
	}
	is.Fairness.Y, is.Fairness.Defined = JainIndex(samples)
	return is
}
