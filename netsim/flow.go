package netsim

// flow.go holds the applications installed on the leaves: a continuous
// OnOff traffic generator writing into a sender, and a PacketSink accepting
// connections on a port

import (
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
)

// AppSpec describes one generator/sink pair
type AppSpec struct {
	// SrcNode and DstNode name the leaves holding the generator and the sink
	SrcNode string `json:"srcnode" yaml:"srcnode"`
	DstNode string `json:"dstnode" yaml:"dstnode"`

	// Port the sink listens on
	Port int `json:"port" yaml:"port"`

	// DataRate of the generator while on, e.g. "100Mbps"
	DataRate string `json:"datarate" yaml:"datarate"`

	// PacketSize is the number of bytes the generator writes at a time
	PacketSize int `json:"packetsize" yaml:"packetsize"`

	// SinkStart and Start are the times (seconds) the sink and the generator begin
	SinkStart float64 `json:"sinkstart" yaml:"sinkstart"`
	Start     float64 `json:"start" yaml:"start"`

	// Jitter, when positive, delays the generator start by a seeded draw from [0, Jitter)
	Jitter float64 `json:"jitter" yaml:"jitter"`

	// Stop ends generation; zero means generate until the run ends
	Stop float64 `json:"stop" yaml:"stop"`
}

// validate checks the spec against the universe it is installed in
func (as *AppSpec) validate(u *Universe) error {
	errs := []error{}
	for _, name := range []string{as.SrcNode, as.DstNode} {
		node, present := u.nodeByName[name]
		if !present {
			errs = append(errs, fmt.Errorf("application names unknown device %q", name))
		} else if node.DevType != EndptType {
			errs = append(errs, fmt.Errorf("application device %q is not a leaf", name))
		}
	}
	if as.SrcNode == as.DstNode {
		errs = append(errs, fmt.Errorf("application source and sink are both %q", as.SrcNode))
	}
	if as.Port <= 0 || as.Port >= ephemeralBase {
		errs = append(errs, fmt.Errorf("sink port %d outside (0,%d)", as.Port, ephemeralBase))
	}
	if as.PacketSize <= 0 {
		errs = append(errs, fmt.Errorf("packet size %d must be positive", as.PacketSize))
	}
	if _, err := ParseDataRate(as.DataRate); err != nil {
		errs = append(errs, err)
	}
	if as.SinkStart < 0 || as.Start < 0 || as.Jitter < 0 {
		errs = append(errs, fmt.Errorf("application times must not be negative"))
	}
	if as.Stop != 0 && as.Stop <= as.Start {
		errs = append(errs, fmt.Errorf("application stops at %v, before it starts at %v", as.Stop, as.Start))
	}
	return ReportErrs(errs)
}

const ephemeralBase = 49152

// onOffApp generates PacketSize bytes every PacketSize*8/rate seconds from the time the
// connection is made. Generation is computed lazily when the sender asks for data;
// a write that does not fit the send buffer is refused, as a socket would.
type onOffApp struct {
	spec     AppSpec
	interval float64
	stop     float64
	nxtGen   float64
	running  bool
	sender   *tcpSender
	wakeGen  int
	woken    bool

	Offered  int
	Accepted int
	Refused  int
}

// appStart is the event handler that opens the generator's connection
func appStart(evtMgr *evtm.EventManager, context any, data any) any {
	app := context.(*onOffApp)
	if app.sender.node.u.halted() {
		return nil
	}
	app.sender.connect()
	return nil
}

// connected begins generation
func (app *onOffApp) connected(now float64) {
	app.running = true
	app.nxtGen = now
}

// refill moves into the send buffer every packet generated up to now
func (app *onOffApp) refill(now float64) {
	if !app.running || app.nxtGen > now || app.nxtGen >= app.stop {
		return
	}
	s := app.sender
	size := app.spec.PacketSize

	// generation instants nxtGen + k*interval, k >= 0, that are <= now and < stop
	gen := int(math.Floor((now-app.nxtGen)/app.interval)) + 1
	if !math.IsInf(app.stop, 1) {
		gen = min(gen, int(math.Ceil((app.stop-app.nxtGen)/app.interval)))
	}
	if gen <= 0 {
		return
	}

	room := (s.params.SndBufSize - (s.bufEnd - s.sndUna)) / size
	taken := max(0, min(gen, room))
	s.bufEnd += taken * size
	app.Offered += gen * size
	app.Accepted += taken * size
	app.Refused += (gen - taken) * size
	app.nxtGen = roundFloat(app.nxtGen+float64(gen)*app.interval, rdigits)
}

// armWake schedules the sender to look again when the next packet is generated
func (app *onOffApp) armWake(now float64) {
	if !app.running || app.woken || app.nxtGen >= app.stop {
		return
	}
	app.woken = true
	app.wakeGen += 1
	app.sender.node.u.evtMgr.Schedule(app, app.wakeGen, appWake, vrtime.SecondsToTime(math.Max(0, app.nxtGen-now)))
}

// appWake is the event handler for a generator that has new data for an idle sender
func appWake(evtMgr *evtm.EventManager, context any, data any) any {
	app := context.(*onOffApp)
	if data.(int) != app.wakeGen || app.sender.node.u.halted() {
		return nil
	}
	app.woken = false
	app.sender.trySend()
	return nil
}

// packetSink accepts connections on a port and counts the bytes delivered in order
type packetSink struct {
	node    *nodeStruct
	port    int
	params  TransportParams
	started bool
	conns   map[Endpoint]*tcpReceiver
	TotalRx int
}

// sinkStart is the event handler that opens the sink for connections
func sinkStart(evtMgr *evtm.EventManager, context any, data any) any {
	sink := context.(*packetSink)
	sink.started = true
	return nil
}

func (sink *packetSink) receive(pkt *Packet) {
	if !sink.started {
		return
	}
	local := Endpoint{Address: pkt.Dst.Address, Port: sink.port}

	if pkt.flags&flagSYN != 0 {
		conn, present := sink.conns[pkt.Src]
		if !present {
			conn = &tcpReceiver{sink: sink, local: local, remote: pkt.Src, rcvNxt: 1, ooo: make(map[int]int)}
			sink.conns[pkt.Src] = conn
		}

		// reply also to a retransmitted SYN
		sink.node.send(&Packet{Src: local, Dst: pkt.Src, Len: HeaderLen, Seq: 0, Ack: 1, flags: flagSYN | flagACK})
		return
	}

	conn, present := sink.conns[pkt.Src]
	if !present {
		return
	}
	conn.onSegment(pkt)
}

// install places the generator and sink of the spec into the universe
func (u *Universe) install(as AppSpec) error {
	src := u.nodeByName[as.SrcNode]
	dst := u.nodeByName[as.DstNode]

	if _, present := dst.sockets[as.Port]; present {
		return fmt.Errorf("port %d already bound on %s", as.Port, dst.Name)
	}
	sink := &packetSink{node: dst, port: as.Port, params: u.transport, conns: make(map[Endpoint]*tcpReceiver)}
	dst.sockets[as.Port] = sink
	u.sinks = append(u.sinks, sink)
	if !slices.Contains(u.sinkPorts, as.Port) {
		u.sinkPorts = append(u.sinkPorts, as.Port)
	}

	// seeded ephemeral port, unique on the node
	var local Endpoint
	for {
		local = Endpoint{Address: src.addr(), Port: ephemeralBase + u.rng.Intn(65536-ephemeralBase)}
		if _, present := src.sockets[local.Port]; !present {
			break
		}
	}
	remote := Endpoint{Address: dst.addr(), Port: as.Port}

	sender := createTCPSender(src, local, remote, u.spec.SegmentSize, u.spec.Congestion, u.transport)
	src.sockets[local.Port] = sender

	rate, _ := ParseDataRate(as.DataRate)
	app := &onOffApp{spec: as, interval: float64(8*as.PacketSize) / rate, sender: sender, stop: math.Inf(1)}
	if as.Stop > 0 {
		app.stop = as.Stop
	}
	sender.app = app

	start := as.Start
	if as.Jitter > 0 {
		start += u.rng.Float64() * as.Jitter
	}
	u.apps = append(u.apps, app)
	u.pending = append(u.pending, pendingStart{sink: sink, sinkAt: as.SinkStart, app: app, appAt: start})
	return nil
}
