package ccsweep

// engine.go is the boundary between the sweep and the run engine. The sweep
// sees only Builder and Topology; netsim.Engine is the engine shipped with
// the module.

import (
	"context"

	"github.com/iti/ccsweep/netsim"
)

// Builder constructs a fresh topology for one iteration
type Builder interface {
	Build(ctx context.Context, spec netsim.BuildSpec) (Topology, error)
}

// Topology is one iteration's simulated universe. It is owned by that
// iteration and destroyed before the next begins.
type Topology interface {
	// Install places the generator/sink pairs
	Install(apps []netsim.AppSpec) error

	// Run advances the simulation to the given time, in seconds
	Run(ctx context.Context, until float64) error

	// FlowRecords returns the per-flow counters of a completed run
	FlowRecords() []FlowRecord

	// SinkPorts are the ports sinks were installed on
	SinkPorts() []int

	Destroy()
}

// FlowRecord is the run engine's account of one flow. Times are in seconds.
type FlowRecord struct {
	FlowID      int             `json:"flowid" yaml:"flowid"`
	Source      netsim.Endpoint `json:"source" yaml:"source"`
	Destination netsim.Endpoint `json:"destination" yaml:"destination"`
	RxBytes     uint64          `json:"rxbytes" yaml:"rxbytes"`
	FirstRx     float64         `json:"firstrx" yaml:"firstrx"`
	LastRx      float64         `json:"lastrx" yaml:"lastrx"`

	TxBytes     uint64  `json:"txbytes" yaml:"txbytes"`
	TxPackets   uint64  `json:"txpackets" yaml:"txpackets"`
	RxPackets   uint64  `json:"rxpackets" yaml:"rxpackets"`
	LostPackets uint64  `json:"lostpackets" yaml:"lostpackets"`
	FirstTx     float64 `json:"firsttx" yaml:"firsttx"`
	LastTx      float64 `json:"lasttx" yaml:"lasttx"`
	DelaySum    float64 `json:"delaysum" yaml:"delaysum"`
}

func flowRecordFromStats(fs netsim.FlowStats) FlowRecord {
	return FlowRecord{FlowID: fs.FlowID, Source: fs.Src, Destination: fs.Dst,
		RxBytes: fs.RxBytes, FirstRx: fs.TimeFirstRx, LastRx: fs.TimeLastRx,
		TxBytes: fs.TxBytes, TxPackets: fs.TxPackets, RxPackets: fs.RxPackets,
		LostPackets: fs.LostPackets, FirstTx: fs.TimeFirstTx, LastTx: fs.TimeLastTx,
		DelaySum: fs.DelaySum}
}

// EngineBuilder builds topologies on a netsim.Engine
type EngineBuilder struct {
	Engine *netsim.Engine
}

// NewEngineBuilder returns a builder over an engine with default transport settings
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{Engine: netsim.NewEngine()}
}

func (eb *EngineBuilder) Build(ctx context.Context, spec netsim.BuildSpec) (Topology, error) {
	u, err := eb.Engine.Build(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &universeTopology{Universe: u}, nil
}

// universeTopology adapts a netsim.Universe to Topology
type universeTopology struct {
	*netsim.Universe
}

func (ut *universeTopology) FlowRecords() []FlowRecord {
	stats := ut.FlowStats()
	rtn := make([]FlowRecord, 0, len(stats))
	for _, fs := range stats {
		rtn = append(rtn, flowRecordFromStats(fs))
	}
	return rtn
}
