package netsim

// net.go contains code and data structures supporting the
// simulation of packets through the dumbbell. A packet leaves a device through
// the egress queue of an interface, is serialized at the link's rate, and arrives at
// the peer interface after the link's propagation delay. Queues are drop-tail and
// bounded in bytes. A wireless access link is one shared medium, so its two
// interfaces take turns transmitting, and each frame may be lost.

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

const (
	// ProtoTCP is the protocol number carried in flow five-tuples
	ProtoTCP = 6

	// HeaderLen is the IPv4 plus TCP header length, no options
	HeaderLen = 40

	// link-layer framing added to the serialization time
	pppOverhead  = 2
	wifiOverhead = 36

	rdigits = 15
)

// roundFloat rounds val to rdigits places, removing noise from sums of event times
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

var rateUnits = []struct {
	suffix string
	mult   float64
}{
	{"Gbps", 1e9}, {"Mbps", 1e6}, {"kbps", 1e3}, {"Kbps", 1e3},
	{"GBps", 8e9}, {"MBps", 8e6}, {"kBps", 8e3}, {"KBps", 8e3},
	{"bps", 1}, {"Bps", 8},
}

// ParseDataRate converts a rate such as "10Mbps" into bits per second
func ParseDataRate(rate string) (float64, error) {
	rate = strings.TrimSpace(rate)
	for _, unit := range rateUnits {
		if !strings.HasSuffix(rate, unit.suffix) {
			continue
		}
		num, err := strconv.ParseFloat(strings.TrimSuffix(rate, unit.suffix), 64)
		if err != nil {
			return 0, fmt.Errorf("data rate %q: %w", rate, err)
		}
		if num <= 0 {
			return 0, fmt.Errorf("data rate %q must be positive", rate)
		}
		return num * unit.mult, nil
	}
	return 0, fmt.Errorf("data rate %q has no recognized unit", rate)
}

// ParseDelay converts a delay such as "50ms" or "200ns" into seconds
func ParseDelay(delay string) (float64, error) {
	d, err := time.ParseDuration(strings.TrimSpace(delay))
	if err != nil {
		return 0, fmt.Errorf("delay %q: %w", delay, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay %q is negative", delay)
	}
	return d.Seconds(), nil
}

// ParseQueueSize converts a queue size such as "62500B", "64KB" or "1MB" into bytes
func ParseQueueSize(size string) (int, error) {
	size = strings.TrimSpace(size)
	mult := 1
	switch {
	case strings.HasSuffix(size, "MB"):
		mult, size = 1000000, strings.TrimSuffix(size, "MB")
	case strings.HasSuffix(size, "KB"), strings.HasSuffix(size, "kB"):
		mult, size = 1000, size[:len(size)-2]
	case strings.HasSuffix(size, "B"):
		size = strings.TrimSuffix(size, "B")
	default:
		return 0, fmt.Errorf("queue size %q needs a B, KB or MB unit", size)
	}
	num, err := strconv.Atoi(size)
	if err != nil {
		return 0, fmt.Errorf("queue size %q: %w", size, err)
	}
	if num <= 0 {
		return 0, fmt.Errorf("queue size %q must be positive", size)
	}
	return num * mult, nil
}

// Endpoint is a transport address
type Endpoint struct {
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port" yaml:"port"`
}

func (ep Endpoint) String() string {
	return fmt.Sprintf("%s:%d", ep.Address, ep.Port)
}

type tcpFlags uint8

const (
	flagSYN tcpFlags = 1 << iota
	flagACK
)

// Packet is the unit carried through the network. Len counts the IP datagram bytes.
type Packet struct {
	ID      int
	Src     Endpoint
	Dst     Endpoint
	Proto   int
	Len     int
	Payload int
	Seq     int
	Ack     int
	flags   tcpFlags
	flowID  int
	txTime  float64
}

// The nodeStruct holds a device of the dumbbell
type nodeStruct struct {
	Name    string
	Number  int
	DevType string
	Groups  []string
	u       *Universe
	intrfcs []*intrfcStruct

	// destination address -> interface the packet leaves through
	fwd map[string]*intrfcStruct

	// local port -> bound socket, leaves only
	sockets map[int]socket
}

// socket is what a node hands a packet addressed to one of its ports
type socket interface {
	receive(pkt *Packet)
}

// addr returns the address of the node's first interface, the only one a leaf has
func (node *nodeStruct) addr() string {
	return node.intrfcs[0].Addr
}

func (node *nodeStruct) owns(addr string) bool {
	for _, intrfc := range node.intrfcs {
		if intrfc.Addr == addr {
			return true
		}
	}
	return false
}

// send injects a locally generated packet
func (node *nodeStruct) send(pkt *Packet) {
	u := node.u
	u.pcktID += 1
	pkt.ID = u.pcktID
	pkt.Proto = ProtoTCP
	u.monitor.recordTx(u.now(), pkt)

	out, present := node.fwd[pkt.Dst.Address]
	if !present {
		u.dropPacket(nil, pkt, "noroute")
		return
	}
	out.enqueue(pkt)
}

// deliver accepts a packet arriving on one of the node's interfaces, either
// handing it to a local socket or forwarding it
func (node *nodeStruct) deliver(intrfc *intrfcStruct, pkt *Packet) {
	u := node.u
	if node.owns(pkt.Dst.Address) {
		sock, present := node.sockets[pkt.Dst.Port]
		if !present {
			u.dropPacket(intrfc, pkt, "noport")
			return
		}
		u.monitor.recordRx(u.now(), pkt)
		u.trace(intrfc, pkt, "receive")
		sock.receive(pkt)
		return
	}

	out, present := node.fwd[pkt.Dst.Address]
	if !present {
		u.dropPacket(intrfc, pkt, "noroute")
		return
	}
	out.enqueue(pkt)
}

// The intrfcStruct holds a network interface and its egress queue
type intrfcStruct struct {
	Name   string
	Number int
	Addr   string
	node   *nodeStruct
	link   *linkStruct
	peer   *intrfcStruct

	egressQ      []*Packet
	queued       int // bytes waiting, not counting the packet being sent
	transmitting bool
}

// enqueue offers a packet to the egress queue, dropping it when the bytes would overflow the buffer
func (intrfc *intrfcStruct) enqueue(pkt *Packet) {
	u := intrfc.node.u
	if intrfc.queued+pkt.Len > intrfc.link.perf.bufferSz {
		u.dropPacket(intrfc, pkt, "overflow")
		return
	}
	intrfc.egressQ = append(intrfc.egressQ, pkt)
	intrfc.queued += pkt.Len
	u.trace(intrfc, pkt, "enqueue")

	if !intrfc.transmitting {
		intrfc.startTx()
	}
}

// startTx takes the packet at the head of the queue into service
func (intrfc *intrfcStruct) startTx() {
	if len(intrfc.egressQ) == 0 {
		intrfc.transmitting = false
		return
	}
	u := intrfc.node.u

	var pkt *Packet
	pkt, intrfc.egressQ = intrfc.egressQ[0], intrfc.egressQ[1:]
	intrfc.queued -= pkt.Len
	intrfc.transmitting = true

	lk := intrfc.link
	now := u.now()
	serviceTime := lk.serviceTime(pkt.Len)

	// on a shared medium wait for the other side to finish
	wait := 0.0
	if lk.shared {
		if lk.busyUntil > now {
			wait = lk.busyUntil - now
		}
		lk.busyUntil = roundFloat(now+wait+serviceTime, rdigits)
	}
	u.trace(intrfc, pkt, "dequeue")
	u.evtMgr.Schedule(intrfc, pkt, exitIntrfc, vrtime.SecondsToTime(wait+serviceTime))
}

// exitIntrfc is the event handler marking the last bit of a packet leaving an interface
func exitIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	pkt := data.(*Packet)
	u := intrfc.node.u
	if u.halted() {
		return nil
	}

	lk := intrfc.link
	if lk.perf.drop > 0 && u.rng.Float64() < lk.perf.drop {
		u.dropPacket(intrfc, pkt, "loss")
	} else {
		evtMgr.Schedule(intrfc.peer, pkt, enterIntrfc, vrtime.SecondsToTime(lk.perf.latency))
	}

	intrfc.startTx()
	return nil
}

// enterIntrfc is the event handler marking a packet's arrival at the far interface of a link
func enterIntrfc(evtMgr *evtm.EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	pkt := data.(*Packet)
	if intrfc.node.u.halted() {
		return nil
	}
	intrfc.node.deliver(intrfc, pkt)
	return nil
}

// linkStruct joins two interfaces
type linkStruct struct {
	Name   string
	Number int
	Role   string
	Media  string
	Groups []string
	perf   linkPerf

	shared    bool
	busyUntil float64
	a, b      *intrfcStruct
}

// serviceTime is the time to put a packet of pcktLen bytes plus framing onto the link
func (lk *linkStruct) serviceTime(pcktLen int) float64 {
	overhead := pppOverhead
	if lk.Media == WirelessMedia {
		overhead = wifiOverhead
	}
	return float64(8*(pcktLen+overhead)) / lk.perf.bndwdth
}
