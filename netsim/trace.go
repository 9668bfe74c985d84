package netsim

// trace.go gathers a per-packet record of a universe's execution, the
// analog of a packet capture, for post-run analysis

import (
	"sort"
)

// PacketTrace saves information about the visitation of a packet to an interface
type PacketTrace struct {
	Time   float64 `json:"time" yaml:"time"`
	ObjID  int     `json:"objid" yaml:"objid"` // id of the interface or device
	Op     string  `json:"op" yaml:"op"`       // "enqueue", "dequeue", "receive", "drop"
	Reason string  `json:"reason,omitempty" yaml:"reason,omitempty"`
	PktID  int     `json:"pktid" yaml:"pktid"`
	Seq    int     `json:"seq" yaml:"seq"`
	Ack    int     `json:"ack" yaml:"ack"`
	Len    int     `json:"len" yaml:"len"`
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers the packet traces of one universe. Traces are
// saved by the id of the flow the packet belongs to
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by flow id
	Traces map[int][]PacketTrace `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  Calls to
// an inactive manager return immediately.
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]PacketTrace)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace stores a trace record under the flow id
func (tm *TraceManager) AddTrace(flowID int, trace PacketTrace) {
	if !tm.InUse {
		return
	}
	tm.Traces[flowID] = append(tm.Traces[flowID], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the traces to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// With globalOrder set all records are merged into one list under id 0, ordered by time.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) error {
	if !tm.InUse {
		return nil
	}
	if !globalOrder {
		return writeSerialized(filename, *tm)
	}

	ntm := CreateTraceManager(tm.ExpName, tm.InUse)
	for key, value := range tm.NameByID {
		ntm.NameByID[key] = value
	}
	merged := make([]PacketTrace, 0)
	for _, valueList := range tm.Traces {
		merged = append(merged, valueList...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Time != merged[j].Time {
			return merged[i].Time < merged[j].Time
		}
		return merged[i].PktID < merged[j].PktID
	})
	ntm.Traces[0] = merged
	return writeSerialized(filename, *ntm)
}
