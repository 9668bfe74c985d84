package netsim

// transport.go holds the window-limited reliable stream carried between the
// leaves. A sender opens the connection with a SYN, sends byte-sequenced
// segments as its congestion window allows, and recovers from loss by fast
// retransmit on duplicate ACKs or by a retransmission timeout. The receiver
// acknowledges cumulatively, buffering out-of-order segments.
//
// How the window grows and shrinks is governed by the WindowProfile carried
// in the Congestion token the selector resolved. The profile is a coarse
// parameterization of the generic slow-start / additive-increase /
// multiplicative-decrease scheme, not an implementation of a named algorithm.

import (
	"fmt"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// WindowProfile gives the knobs of the generic window scheme
type WindowProfile struct {
	// InitialWindow is the window at connection start, in segments
	InitialWindow int `json:"initialwindow" yaml:"initialwindow"`

	// Beta multiplies the bytes in flight to give the slow-start threshold after a loss
	Beta float64 `json:"beta" yaml:"beta"`

	// DelayThreshold, when positive, holds the window in congestion avoidance while the
	// smoothed RTT exceeds the minimum RTT by more than this fraction
	DelayThreshold float64 `json:"delaythreshold" yaml:"delaythreshold"`

	// RateBackoff sets the threshold after a loss from the delivery rate estimate
	// times the minimum RTT, when an estimate exists
	RateBackoff bool `json:"ratebackoff" yaml:"ratebackoff"`
}

// Congestion is the opaque token naming the congestion-control behavior a universe's
// senders use. It is a value; every iteration of a sweep gets the same one.
type Congestion struct {
	// Name is the canonical variant name, e.g. "Vegas"
	Name string `json:"name" yaml:"name"`

	// TypeID is the identifier the variant is known by to the engine, e.g. "ns3::TcpVegas"
	TypeID string `json:"typeid" yaml:"typeid"`

	// SubMode refines the variant, e.g. "WESTWOOD" or "WESTWOODPLUS"
	SubMode string `json:"submode" yaml:"submode"`

	Window WindowProfile `json:"window" yaml:"window"`
}

// Validate checks that the token can drive a sender
func (cc Congestion) Validate() error {
	errs := []error{}
	if len(cc.Name) == 0 {
		errs = append(errs, fmt.Errorf("congestion token has no name"))
	}
	if cc.Window.InitialWindow < 1 {
		errs = append(errs, fmt.Errorf("congestion %s initial window %d below one segment", cc.Name, cc.Window.InitialWindow))
	}
	if cc.Window.Beta <= 0 || cc.Window.Beta > 1 {
		errs = append(errs, fmt.Errorf("congestion %s beta %v outside (0,1]", cc.Name, cc.Window.Beta))
	}
	if cc.Window.DelayThreshold < 0 {
		errs = append(errs, fmt.Errorf("congestion %s delay threshold %v negative", cc.Name, cc.Window.DelayThreshold))
	}
	return ReportErrs(errs)
}

// TransportParams holds the socket settings shared by all connections of an engine
type TransportParams struct {
	SndBufSize   int     `json:"sndbufsize" yaml:"sndbufsize"`
	RcvBufSize   int     `json:"rcvbufsize" yaml:"rcvbufsize"`
	InitialRTO   float64 `json:"initialrto" yaml:"initialrto"`
	MinRTO       float64 `json:"minrto" yaml:"minrto"`
	MaxRTO       float64 `json:"maxrto" yaml:"maxrto"`
	DupAckThresh int     `json:"dupackthresh" yaml:"dupackthresh"`
}

// DefaultTransportParams returns 128 KiB socket buffers, a one second initial RTO and three dupacks
func DefaultTransportParams() TransportParams {
	return TransportParams{SndBufSize: 131072, RcvBufSize: 131072, InitialRTO: 1.0,
		MinRTO: 1.0, MaxRTO: 60.0, DupAckThresh: 3}
}

func (tp TransportParams) validate() error {
	errs := []error{}
	if tp.SndBufSize <= 0 || tp.RcvBufSize <= 0 {
		errs = append(errs, fmt.Errorf("socket buffers must be positive"))
	}
	if tp.MinRTO <= 0 || tp.InitialRTO < tp.MinRTO || tp.MaxRTO < tp.InitialRTO {
		errs = append(errs, fmt.Errorf("retransmission timeouts need 0 < min <= initial <= max"))
	}
	if tp.DupAckThresh < 1 {
		errs = append(errs, fmt.Errorf("duplicate ACK threshold must be at least 1"))
	}
	return ReportErrs(errs)
}

type senderState int

const (
	closed senderState = iota
	synSent
	established
)

// tcpSender is the sending side of a connection
type tcpSender struct {
	node    *nodeStruct
	local   Endpoint
	remote  Endpoint
	params  TransportParams
	profile WindowProfile
	mss     int
	state   senderState
	app     *onOffApp

	cwnd, ssthresh float64

	// byte sequence space, the SYN takes 0 and data starts at 1
	sndUna, sndNxt, bufEnd int

	dupAcks    int
	inRecovery bool
	recover    int

	srtt, rttvar, rto, minRTT float64
	timing                    bool
	timedSeq                  int
	timedAt                   float64
	synRetx                   bool

	// rtoGen invalidates timer events scheduled before the latest restart
	rtoGen   int
	rtoArmed bool

	bwEst     float64 // delivered bytes per second
	lastAckAt float64
}

func createTCPSender(node *nodeStruct, local, remote Endpoint, mss int, cc Congestion, params TransportParams) *tcpSender {
	s := new(tcpSender)
	s.node = node
	s.local = local
	s.remote = remote
	s.mss = mss
	s.profile = cc.Window
	s.params = params
	s.rto = params.InitialRTO
	s.cwnd = float64(cc.Window.InitialWindow * mss)
	s.ssthresh = math.Inf(1)
	return s
}

func (s *tcpSender) packet(flags tcpFlags, seq, payload int) *Packet {
	return &Packet{Src: s.local, Dst: s.remote, Len: HeaderLen + payload, Payload: payload,
		Seq: seq, flags: flags}
}

// connect sends the SYN
func (s *tcpSender) connect() {
	s.state = synSent
	s.node.send(s.packet(flagSYN, 0, 0))
	s.timing, s.timedAt, s.timedSeq = true, s.node.u.now(), 0
	s.armRTO()
}

// receive handles the ACK stream coming back from the sink
func (s *tcpSender) receive(pkt *Packet) {
	u := s.node.u
	now := u.now()

	if s.state == synSent {
		if pkt.flags&flagSYN == 0 || pkt.Ack != 1 {
			return
		}
		s.state = established
		if !s.synRetx {
			s.sampleRTT(now - s.timedAt)
		}
		s.timing = false
		s.sndUna, s.sndNxt, s.bufEnd = 1, 1, 1
		s.cancelRTO()

		// complete the handshake
		s.node.send(s.packet(flagACK, 1, 0))
		s.app.connected(now)
		s.trySend()
		return
	}
	if s.state != established || pkt.flags&flagACK == 0 || pkt.flags&flagSYN != 0 {
		return
	}

	ack := pkt.Ack
	if ack > s.bufEnd {
		return
	}

	if ack > s.sndUna {
		acked := ack - s.sndUna
		if ack > s.sndNxt {
			s.sndNxt = ack
		}
		if s.timing && ack > s.timedSeq {
			s.sampleRTT(now - s.timedAt)
			s.timing = false
		}
		if s.lastAckAt > 0 && now > s.lastAckAt {
			rate := float64(acked) / (now - s.lastAckAt)
			if s.bwEst == 0 {
				s.bwEst = rate
			} else {
				s.bwEst = 0.9*s.bwEst + 0.1*rate
			}
		}
		s.lastAckAt = now
		s.sndUna = ack
		s.dupAcks = 0

		if s.inRecovery {
			if ack >= s.recover {
				s.inRecovery = false
				s.cwnd = s.ssthresh
			} else {
				// partial ACK, the next hole is lost too
				s.retransmit(s.sndUna)
			}
		} else {
			s.growWindow(acked)
		}

		if s.sndUna == s.sndNxt {
			s.cancelRTO()
		} else {
			s.armRTO()
		}
		s.trySend()
		return
	}

	if ack == s.sndUna && pkt.Payload == 0 && s.sndNxt > s.sndUna {
		s.dupAcks += 1
		if s.dupAcks == s.params.DupAckThresh && !s.inRecovery {
			s.fastRetransmit()
		}
	}
}

// growWindow opens the window after acked new bytes
func (s *tcpSender) growWindow(acked int) {
	mss := float64(s.mss)
	if s.cwnd < s.ssthresh {
		s.cwnd += math.Min(float64(acked), mss)
	} else {
		if s.profile.DelayThreshold > 0 && s.minRTT > 0 && s.srtt > s.minRTT*(1+s.profile.DelayThreshold) {
			return
		}
		s.cwnd += mss * float64(acked) / s.cwnd
	}
	s.cwnd = math.Min(s.cwnd, float64(s.params.SndBufSize+s.params.RcvBufSize))
}

// lossThreshold is the slow-start threshold taken after a loss
func (s *tcpSender) lossThreshold() float64 {
	flight := float64(s.sndNxt - s.sndUna)
	thresh := flight * s.profile.Beta
	if s.profile.RateBackoff && s.bwEst > 0 && s.minRTT > 0 {
		thresh = s.bwEst * s.minRTT
	}
	return math.Max(thresh, float64(2*s.mss))
}

func (s *tcpSender) fastRetransmit() {
	s.ssthresh = s.lossThreshold()
	s.cwnd = s.ssthresh
	s.inRecovery = true
	s.recover = s.sndNxt
	s.timing = false
	s.retransmit(s.sndUna)
	s.armRTO()
}

// retransmit resends the segment starting at seq
func (s *tcpSender) retransmit(seq int) {
	seg := min(s.mss, s.bufEnd-seq)
	if seg <= 0 {
		return
	}
	s.node.send(s.packet(flagACK, seq, seg))
	if seq+seg > s.sndNxt {
		s.sndNxt = seq + seg
	}
}

// trySend sends as much new data as the window and the application allow
func (s *tcpSender) trySend() {
	if s.state != established {
		return
	}
	u := s.node.u
	now := u.now()
	s.app.refill(now)

	window := math.Min(s.cwnd, float64(s.params.RcvBufSize))
	for {
		avail := s.bufEnd - s.sndNxt
		if avail <= 0 {
			s.app.armWake(now)
			return
		}
		flight := s.sndNxt - s.sndUna
		seg := min(s.mss, avail)
		if flight > 0 && float64(flight+seg) > window {
			return
		}
		s.node.send(s.packet(flagACK, s.sndNxt, seg))
		s.sndNxt += seg
		if !s.timing {
			s.timing, s.timedSeq, s.timedAt = true, s.sndNxt-1, now
		}
		if !s.rtoArmed {
			s.armRTO()
		}
	}
}

func (s *tcpSender) sampleRTT(rtt float64) {
	if rtt <= 0 {
		return
	}
	if s.minRTT == 0 || rtt < s.minRTT {
		s.minRTT = rtt
	}
	if s.srtt == 0 {
		s.srtt = rtt
		s.rttvar = rtt / 2
	} else {
		s.rttvar = 0.75*s.rttvar + 0.25*math.Abs(s.srtt-rtt)
		s.srtt = 0.875*s.srtt + 0.125*rtt
	}
	s.rto = math.Min(math.Max(s.params.MinRTO, s.srtt+4*s.rttvar), s.params.MaxRTO)
}

func (s *tcpSender) armRTO() {
	s.rtoGen += 1
	s.rtoArmed = true
	s.node.u.evtMgr.Schedule(s, s.rtoGen, rtoExpire, vrtime.SecondsToTime(s.rto))
}

func (s *tcpSender) cancelRTO() {
	s.rtoGen += 1
	s.rtoArmed = false
}

// rtoExpire is the event handler for the retransmission timer
func rtoExpire(evtMgr *evtm.EventManager, context any, data any) any {
	s := context.(*tcpSender)
	gen := data.(int)
	if gen != s.rtoGen || s.node.u.halted() {
		return nil
	}
	s.rtoArmed = false
	s.rto = math.Min(2*s.rto, s.params.MaxRTO)
	s.timing = false

	if s.state == synSent {
		s.synRetx = true
		s.node.send(s.packet(flagSYN, 0, 0))
		s.armRTO()
		return nil
	}

	s.ssthresh = math.Max(float64(s.sndNxt-s.sndUna)/2, float64(2*s.mss))
	s.cwnd = float64(s.mss)
	s.sndNxt = s.sndUna
	s.inRecovery = false
	s.dupAcks = 0
	s.trySend()
	if !s.rtoArmed && s.sndNxt > s.sndUna {
		s.armRTO()
	}
	return nil
}

// tcpReceiver is the receiving side of one connection accepted by a sink
type tcpReceiver struct {
	sink   *packetSink
	local  Endpoint
	remote Endpoint
	rcvNxt int
	ooo    map[int]int // out-of-order segment start -> length
}

// onSegment takes in a data segment and acknowledges cumulatively
func (r *tcpReceiver) onSegment(pkt *Packet) {
	if pkt.Payload == 0 {
		return
	}
	rcvBuf := r.sink.params.RcvBufSize

	switch {
	case pkt.Seq == r.rcvNxt:
		r.rcvNxt += pkt.Payload
		r.sink.TotalRx += pkt.Payload
		for {
			seg, present := r.ooo[r.rcvNxt]
			if !present {
				break
			}
			delete(r.ooo, r.rcvNxt)
			r.rcvNxt += seg
			r.sink.TotalRx += seg
		}
	case pkt.Seq > r.rcvNxt && pkt.Seq+pkt.Payload-r.rcvNxt <= rcvBuf:
		if _, present := r.ooo[pkt.Seq]; !present {
			r.ooo[pkt.Seq] = pkt.Payload
		}
	}

	r.sink.node.send(&Packet{Src: r.local, Dst: r.remote, Len: HeaderLen, Seq: 1, Ack: r.rcvNxt, flags: flagACK})
}
