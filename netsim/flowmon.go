package netsim

// flowmon.go classifies packets into flows by five-tuple and keeps per-flow counters.
// Flow identifiers are handed out 1, 2, ... in the order a five-tuple is first transmitted.

import (
	"sort"
)

// FiveTuple identifies a flow
type FiveTuple struct {
	SrcAddr string `json:"srcaddr" yaml:"srcaddr"`
	DstAddr string `json:"dstaddr" yaml:"dstaddr"`
	SrcPort int    `json:"srcport" yaml:"srcport"`
	DstPort int    `json:"dstport" yaml:"dstport"`
	Proto   int    `json:"proto" yaml:"proto"`
}

func tupleOf(pkt *Packet) FiveTuple {
	return FiveTuple{SrcAddr: pkt.Src.Address, DstAddr: pkt.Dst.Address,
		SrcPort: pkt.Src.Port, DstPort: pkt.Dst.Port, Proto: pkt.Proto}
}

// FlowStats is the record the monitor keeps for one flow. Times are in seconds;
// the receive times are zero while RxBytes is zero.
type FlowStats struct {
	FlowID      int      `json:"flowid" yaml:"flowid"`
	Src         Endpoint `json:"src" yaml:"src"`
	Dst         Endpoint `json:"dst" yaml:"dst"`
	TxBytes     uint64   `json:"txbytes" yaml:"txbytes"`
	TxPackets   uint64   `json:"txpackets" yaml:"txpackets"`
	RxBytes     uint64   `json:"rxbytes" yaml:"rxbytes"`
	RxPackets   uint64   `json:"rxpackets" yaml:"rxpackets"`
	LostPackets uint64   `json:"lostpackets" yaml:"lostpackets"`
	TimeFirstTx float64  `json:"timefirsttx" yaml:"timefirsttx"`
	TimeLastTx  float64  `json:"timelasttx" yaml:"timelasttx"`
	TimeFirstRx float64  `json:"timefirstrx" yaml:"timefirstrx"`
	TimeLastRx  float64  `json:"timelastrx" yaml:"timelastrx"`
	DelaySum    float64  `json:"delaysum" yaml:"delaysum"`
}

// FlowMonitor holds the flow classifier and the per-flow records of one universe
type FlowMonitor struct {
	ExpName   string            `json:"expname" yaml:"expname"`
	Flows     []*FlowStats      `json:"flows" yaml:"flows"`
	flowByTpl map[FiveTuple]int // five-tuple -> flow id
	nxtFlowID int
}

// CreateFlowMonitor is a constructor
func CreateFlowMonitor(expName string) *FlowMonitor {
	fm := new(FlowMonitor)
	fm.ExpName = expName
	fm.Flows = make([]*FlowStats, 0)
	fm.flowByTpl = make(map[FiveTuple]int)
	return fm
}

// classify returns the flow id of the packet's five-tuple, creating a flow the first time
func (fm *FlowMonitor) classify(pkt *Packet) *FlowStats {
	tpl := tupleOf(pkt)
	flowID, present := fm.flowByTpl[tpl]
	if !present {
		fm.nxtFlowID += 1
		flowID = fm.nxtFlowID
		fm.flowByTpl[tpl] = flowID
		fm.Flows = append(fm.Flows, &FlowStats{FlowID: flowID, Src: pkt.Src, Dst: pkt.Dst})
	}
	return fm.Flows[flowID-1]
}

func (fm *FlowMonitor) recordTx(now float64, pkt *Packet) {
	fs := fm.classify(pkt)
	pkt.flowID = fs.FlowID
	pkt.txTime = now
	if fs.TxPackets == 0 {
		fs.TimeFirstTx = now
	}
	fs.TimeLastTx = now
	fs.TxPackets += 1
	fs.TxBytes += uint64(pkt.Len)
}

func (fm *FlowMonitor) recordRx(now float64, pkt *Packet) {
	if pkt.flowID == 0 {
		return
	}
	fs := fm.Flows[pkt.flowID-1]
	if fs.RxPackets == 0 {
		fs.TimeFirstRx = now
	}
	fs.TimeLastRx = now
	fs.RxPackets += 1
	fs.RxBytes += uint64(pkt.Len)
	fs.DelaySum = roundFloat(fs.DelaySum+now-pkt.txTime, rdigits)
}

func (fm *FlowMonitor) recordDrop(pkt *Packet) {
	if pkt.flowID == 0 {
		return
	}
	fm.Flows[pkt.flowID-1].LostPackets += 1
}

// FlowStats returns copies of the flow records, ordered by flow id
func (fm *FlowMonitor) FlowStats() []FlowStats {
	rtn := make([]FlowStats, 0, len(fm.Flows))
	for _, fs := range fm.Flows {
		rtn = append(rtn, *fs)
	}
	sort.Slice(rtn, func(i, j int) bool { return rtn[i].FlowID < rtn[j].FlowID })
	return rtn
}

// WriteToFile stores the flow records to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (fm *FlowMonitor) WriteToFile(filename string) error {
	return writeSerialized(filename, *fm)
}
