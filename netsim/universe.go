package netsim

// universe.go builds the run-time structures of one iteration. Everything a run
// touches (event manager, id counter, random stream, routes, flow monitor and
// trace manager) hangs off its Universe, so two universes never share state and
// destroying one releases all it holds.

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/path"
)

// watchdogInterval is the simulated time between checks of the run's context
const watchdogInterval = 0.25

// BuildSpec is the explicit parameter object of one iteration
type BuildSpec struct {
	// Name labels the universe in traces
	Name string `json:"name" yaml:"name"`

	Kind TopoKind `json:"kind" yaml:"kind"`

	// Links are the performance parameters of the dumbbell's links
	Links LinkSet `json:"links" yaml:"links"`

	// Parameters are applied to the link descriptions, most general first
	Parameters []ExpParameter `json:"parameters" yaml:"parameters"`

	// Congestion is the token every sender of the universe uses
	Congestion Congestion `json:"congestion" yaml:"congestion"`

	// SegmentSize is the sender's maximum segment payload, in bytes
	SegmentSize int `json:"segmentsize" yaml:"segmentsize"`

	// Seed initializes the universe's random stream
	Seed uint64 `json:"seed" yaml:"seed"`

	// Tracing turns on the flow-monitor and packet trace files
	Tracing  bool   `json:"tracing" yaml:"tracing"`
	TraceDir string `json:"tracedir" yaml:"tracedir"`

	// TraceTag is embedded in trace file names, e.g. "40_Vegas"
	TraceTag string `json:"tracetag" yaml:"tracetag"`
}

func (bs *BuildSpec) validate() error {
	errs := []error{}
	if _, err := TopoKindFromStr(string(bs.Kind)); err != nil {
		errs = append(errs, err)
	}
	if bs.SegmentSize <= 0 {
		errs = append(errs, fmt.Errorf("segment size %d must be positive", bs.SegmentSize))
	}
	errs = append(errs, bs.Congestion.Validate())
	if bs.Tracing {
		if _, err := CheckDirectories([]string{bs.TraceDir}); err != nil {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}

// Engine builds universes. Its transport settings apply to every universe it builds.
type Engine struct {
	Transport TransportParams
}

// NewEngine returns an engine with the default transport settings
func NewEngine() *Engine {
	return &Engine{Transport: DefaultTransportParams()}
}

// pendingStart holds the start times of an installed generator/sink pair
type pendingStart struct {
	sink   *packetSink
	sinkAt float64
	app    *onOffApp
	appAt  float64
}

// Universe holds one materialized topology and the state of its run
type Universe struct {
	Name      string
	Kind      TopoKind
	spec      BuildSpec
	transport TransportParams
	topo      TopoCfg

	evtMgr *evtm.EventManager
	rng    *rand.Rand
	numIDs int
	pcktID int

	nodes      []*nodeStruct
	nodeByName map[string]*nodeStruct
	nodeByID   map[int]*nodeStruct
	links      []*linkStruct
	routes     map[int]path.Shortest

	monitor  *FlowMonitor
	traceMgr *TraceManager

	apps      []*onOffApp
	sinks     []*packetSink
	sinkPorts []int
	pending   []pendingStart

	ctx       context.Context
	stopped   bool
	ran       bool
	destroyed bool
}

// ErrDestroyed is returned by operations on a universe after Destroy
var ErrDestroyed = errors.New("universe destroyed")

// Build validates the spec, describes the dumbbell, applies parameter overrides and
// materializes a fresh universe with routes computed
func (eng *Engine) Build(ctx context.Context, spec BuildSpec) (*Universe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ReportErrs([]error{spec.validate(), eng.Transport.validate()}); err != nil {
		return nil, err
	}

	tf, err := BuildDumbbell(spec.Name, spec.Kind, spec.Links)
	if err != nil {
		return nil, err
	}
	if err := tf.ApplyParameters(spec.Parameters); err != nil {
		return nil, err
	}

	u := new(Universe)
	u.Name = spec.Name
	u.Kind = spec.Kind
	u.spec = spec
	u.transport = eng.Transport
	u.topo = tf.Transform()
	u.evtMgr = evtm.New()
	u.rng = rand.New(rand.NewSource(spec.Seed))
	u.nodeByName = make(map[string]*nodeStruct)
	u.nodeByID = make(map[int]*nodeStruct)
	u.routes = make(map[int]path.Shortest)
	u.monitor = CreateFlowMonitor(spec.Name)
	u.traceMgr = CreateTraceManager(spec.Name, spec.Tracing)

	if err := u.createTopoReferences(); err != nil {
		return nil, err
	}
	if err := u.computeRoutes(); err != nil {
		return nil, err
	}
	return u, nil
}

// nxtID hands out the universe's object ids
func (u *Universe) nxtID() int {
	u.numIDs += 1
	return u.numIDs
}

// createTopoReferences creates the run-time devices, interfaces and links from the description
func (u *Universe) createTopoReferences() error {
	intrfcByName := make(map[string]*intrfcStruct)

	for _, dd := range u.topo.Devs {
		node := &nodeStruct{Name: dd.Name, Number: u.nxtID(), DevType: dd.DevType, Groups: dd.Groups, u: u,
			fwd: make(map[string]*intrfcStruct), sockets: make(map[int]socket)}
		u.nodes = append(u.nodes, node)
		u.nodeByName[node.Name] = node
		u.nodeByID[node.Number] = node
		u.traceMgr.AddName(node.Number, node.Name, node.DevType)

		for _, idesc := range dd.Interfaces {
			intrfc := &intrfcStruct{Name: idesc.Name, Number: u.nxtID(), Addr: idesc.Addr, node: node}
			node.intrfcs = append(node.intrfcs, intrfc)
			intrfcByName[intrfc.Name] = intrfc
			u.traceMgr.AddName(intrfc.Number, intrfc.Name, "Interface")
		}
	}

	errs := []error{}
	for _, ld := range u.topo.Links {
		perf, err := ld.Params.decode()
		if err != nil {
			errs = append(errs, fmt.Errorf("link %s: %w", ld.Name, err))
			continue
		}
		a, aOK := intrfcByName[ld.IntrfcA]
		b, bOK := intrfcByName[ld.IntrfcB]
		if !aOK || !bOK {
			errs = append(errs, fmt.Errorf("link %s joins unknown interfaces", ld.Name))
			continue
		}
		lk := &linkStruct{Name: ld.Name, Number: u.nxtID(), Role: ld.Role, Media: ld.MediaType,
			Groups: ld.Groups, perf: perf, shared: ld.MediaType == WirelessMedia, a: a, b: b}
		a.link, b.link = lk, lk
		a.peer, b.peer = b, a
		u.links = append(u.links, lk)
		u.traceMgr.AddName(lk.Number, lk.Name, "Link")
	}
	return ReportErrs(errs)
}

// Topology returns the description the universe was built from
func (u *Universe) Topology() TopoCfg {
	return u.topo
}

// Install places one generator/sink pair per spec
func (u *Universe) Install(apps []AppSpec) error {
	if u.destroyed {
		return ErrDestroyed
	}
	if u.ran {
		return fmt.Errorf("universe %s already ran", u.Name)
	}
	if len(apps) == 0 {
		return fmt.Errorf("no applications to install")
	}
	for idx := range apps {
		if err := apps[idx].validate(u); err != nil {
			return err
		}
		if err := u.install(apps[idx]); err != nil {
			return err
		}
	}
	return nil
}

// SinkPorts returns the ports sinks were installed on, in installation order
func (u *Universe) SinkPorts() []int {
	return append([]int(nil), u.sinkPorts...)
}

func (u *Universe) now() float64 {
	return u.evtMgr.CurrentSeconds()
}

// halted reports whether the run was interrupted; event handlers return at once when it is
func (u *Universe) halted() bool {
	return u.stopped
}

// watchdog is the event handler that polls the run's context
func watchdog(evtMgr *evtm.EventManager, context any, data any) any {
	u := context.(*Universe)
	if u.stopped {
		return nil
	}
	if u.ctx.Err() != nil {
		u.stopped = true
		return nil
	}
	evtMgr.Schedule(u, nil, watchdog, vrtime.SecondsToTime(watchdogInterval))
	return nil
}

// Run executes the installed applications until the simulated time reaches until.
// A universe runs once.
func (u *Universe) Run(ctx context.Context, until float64) error {
	if u.destroyed {
		return ErrDestroyed
	}
	if u.ran {
		return fmt.Errorf("universe %s already ran", u.Name)
	}
	if len(u.apps) == 0 {
		return fmt.Errorf("universe %s has no applications installed", u.Name)
	}
	if until <= 0 {
		return fmt.Errorf("run limit %v must be positive", until)
	}
	u.ran = true
	u.ctx = ctx

	for _, ps := range u.pending {
		u.evtMgr.Schedule(ps.sink, nil, sinkStart, vrtime.SecondsToTime(ps.sinkAt))
		u.evtMgr.Schedule(ps.app, nil, appStart, vrtime.SecondsToTime(ps.appAt))
	}
	u.evtMgr.Schedule(u, nil, watchdog, vrtime.SecondsToTime(0.0))

	u.evtMgr.Run(until)

	if u.stopped {
		return fmt.Errorf("run of %s interrupted: %w", u.Name, ctx.Err())
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run of %s interrupted: %w", u.Name, err)
	}

	if u.spec.Tracing {
		return u.writeTraces()
	}
	return nil
}

// TraceFiles returns the names of the flow-monitor and packet trace files of the universe
func (u *Universe) TraceFiles() (string, string) {
	fm := filepath.Join(u.spec.TraceDir, fmt.Sprintf("%s-fm_%s.yaml", u.Kind, u.spec.TraceTag))
	pcap := filepath.Join(u.spec.TraceDir, fmt.Sprintf("%s-pcap_%s.yaml", u.Kind, u.spec.TraceTag))
	return fm, pcap
}

func (u *Universe) writeTraces() error {
	fmFile, pcapFile := u.TraceFiles()
	if _, err := CheckOutputFiles([]string{fmFile, pcapFile}); err != nil {
		return err
	}
	return ReportErrs([]error{u.monitor.WriteToFile(fmFile), u.traceMgr.WriteToFile(pcapFile, true)})
}

// FlowStats returns the flow monitor's records, ordered by flow id
func (u *Universe) FlowStats() []FlowStats {
	if u.destroyed {
		return nil
	}
	return u.monitor.FlowStats()
}

// AppStats reports, per installed generator in installation order, the bytes it offered,
// the bytes its socket accepted, and the bytes its sink received in order
func (u *Universe) AppStats() []AppStats {
	rtn := make([]AppStats, 0, len(u.apps))
	for idx, app := range u.apps {
		rtn = append(rtn, AppStats{Offered: app.Offered, Accepted: app.Accepted, Delivered: u.sinks[idx].TotalRx})
	}
	return rtn
}

// AppStats counts the bytes of one generator/sink pair
type AppStats struct {
	Offered   int `json:"offered" yaml:"offered"`
	Accepted  int `json:"accepted" yaml:"accepted"`
	Delivered int `json:"delivered" yaml:"delivered"`
}

// Destroy releases everything the universe holds. It may be called more than once.
func (u *Universe) Destroy() {
	if u.destroyed {
		return
	}
	u.destroyed = true
	u.stopped = true
	u.evtMgr = nil
	u.nodes = nil
	u.nodeByName = nil
	u.nodeByID = nil
	u.links = nil
	u.routes = nil
	u.apps = nil
	u.sinks = nil
	u.pending = nil
	u.monitor = CreateFlowMonitor(u.Name)
	u.traceMgr = CreateTraceManager(u.Name, false)
}

// trace records a packet event at an interface
func (u *Universe) trace(intrfc *intrfcStruct, pkt *Packet, op string) {
	if !u.traceMgr.InUse {
		return
	}
	pt := PacketTrace{Time: u.now(), Op: op, PktID: pkt.ID, Seq: pkt.Seq, Ack: pkt.Ack, Len: pkt.Len}
	if intrfc != nil {
		pt.ObjID = intrfc.Number
	}
	u.traceMgr.AddTrace(pkt.flowID, pt)
}

// dropPacket discards a packet, counting it against its flow
func (u *Universe) dropPacket(intrfc *intrfcStruct, pkt *Packet, reason string) {
	u.monitor.recordDrop(pkt)
	if !u.traceMgr.InUse {
		return
	}
	pt := PacketTrace{Time: u.now(), Op: "drop", Reason: reason, PktID: pkt.ID, Seq: pkt.Seq, Ack: pkt.Ack, Len: pkt.Len}
	if intrfc != nil {
		pt.ObjID = intrfc.Number
	}
	u.traceMgr.AddTrace(pkt.flowID, pt)
}
