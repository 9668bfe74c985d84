package netsim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowMonitorClassifiesInFirstTxOrder(t *testing.T) {
	fm := CreateFlowMonitor("fm")
	a := Endpoint{Address: "10.1.1.1", Port: 50000}
	b := Endpoint{Address: "10.2.1.1", Port: 1000}

	syn := &Packet{Src: a, Dst: b, Proto: ProtoTCP, Len: 40}
	fm.recordTx(1.0, syn)
	synAck := &Packet{Src: b, Dst: a, Proto: ProtoTCP, Len: 40}
	fm.recordTx(1.1, synAck)
	data := &Packet{Src: a, Dst: b, Proto: ProtoTCP, Len: 1540}
	fm.recordTx(1.2, data)

	assert.Equal(t, 1, syn.flowID)
	assert.Equal(t, 2, synAck.flowID)
	assert.Equal(t, 1, data.flowID)

	fm.recordRx(1.15, syn)
	fm.recordRx(1.4, data)
	fm.recordDrop(synAck)

	stats := fm.FlowStats()
	require.Len(t, stats, 2)

	fwd := stats[0]
	assert.Equal(t, 1, fwd.FlowID)
	assert.Equal(t, a, fwd.Src)
	assert.Equal(t, b, fwd.Dst)
	assert.Equal(t, uint64(2), fwd.TxPackets)
	assert.Equal(t, uint64(1580), fwd.TxBytes)
	assert.Equal(t, uint64(1580), fwd.RxBytes)
	assert.Equal(t, 1.15, fwd.TimeFirstRx)
	assert.Equal(t, 1.4, fwd.TimeLastRx)
	assert.InDelta(t, 0.35, fwd.DelaySum, 1e-12)

	rev := stats[1]
	assert.Equal(t, uint64(0), rev.RxBytes)
	assert.Zero(t, rev.TimeFirstRx)
	assert.Equal(t, uint64(1), rev.LostPackets)
}

func TestFlowMonitorWriteToFile(t *testing.T) {
	fm := CreateFlowMonitor("fm")
	pkt := &Packet{Src: Endpoint{"10.1.1.1", 50000}, Dst: Endpoint{"10.2.1.1", 1000}, Proto: ProtoTCP, Len: 40}
	fm.recordTx(1.0, pkt)
	fm.recordRx(1.1, pkt)

	filename := filepath.Join(t.TempDir(), "wired-fm_40_Vegas.yaml")
	require.NoError(t, fm.WriteToFile(filename))
	assert.FileExists(t, filename)
}
