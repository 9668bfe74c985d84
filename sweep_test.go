package ccsweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iti/ccsweep/netsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBuilder hands out topologies whose flow records come from recordsFor
type fakeBuilder struct {
	mu         sync.Mutex
	recordsFor func(spec netsim.BuildSpec) []FlowRecord
	failBuild  map[int]error // segment size -> error
	failRun    map[int]error
	delay      func(segment int) time.Duration

	specs   []netsim.BuildSpec
	topos   []*fakeTopology
	live    int
	maxLive int
}

type fakeTopology struct {
	b         *fakeBuilder
	spec      netsim.BuildSpec
	apps      []netsim.AppSpec
	until     float64
	destroyed bool
}

func (fb *fakeBuilder) Build(ctx context.Context, spec netsim.BuildSpec) (Topology, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.specs = append(fb.specs, spec)
	if err := fb.failBuild[spec.SegmentSize]; err != nil {
		return nil, err
	}
	ft := &fakeTopology{b: fb, spec: spec}
	fb.topos = append(fb.topos, ft)
	fb.live += 1
	fb.maxLive = max(fb.maxLive, fb.live)
	return ft, nil
}

func (ft *fakeTopology) Install(apps []netsim.AppSpec) error {
	ft.apps = apps
	return nil
}

func (ft *fakeTopology) Run(ctx context.Context, until float64) error {
	ft.until = until
	if ft.b.delay != nil {
		time.Sleep(ft.b.delay(ft.spec.SegmentSize))
	}
	ft.b.mu.Lock()
	defer ft.b.mu.Unlock()
	return ft.b.failRun[ft.spec.SegmentSize]
}

func (ft *fakeTopology) FlowRecords() []FlowRecord {
	return ft.b.recordsFor(ft.spec)
}

func (ft *fakeTopology) SinkPorts() []int {
	ports := []int{}
	for _, app := range ft.apps {
		ports = append(ports, app.Port)
	}
	return ports
}

func (ft *fakeTopology) Destroy() {
	ft.b.mu.Lock()
	defer ft.b.mu.Unlock()
	if !ft.destroyed {
		ft.destroyed = true
		ft.b.live -= 1
	}
}

// scenarioARecords is a forward flow of 125000 bytes over 4 seconds and its acknowledgements
func scenarioARecords(spec netsim.BuildSpec) []FlowRecord {
	return []FlowRecord{
		{FlowID: 2, Source: right, Destination: left, RxBytes: 5000, FirstRx: 1.0, LastRx: 6.0},
		{FlowID: 1, Source: left, Destination: right, RxBytes: 125000, FirstRx: 1.0, LastRx: 5.0},
	}
}

func quietLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

func testConfig(t *testing.T, sizes ...int) ExperimentConfig {
	cfg := DefaultConfig()
	cfg.PacketSizes = sizes
	cfg.OutputDir = t.TempDir()
	return cfg
}

func readSeries(t *testing.T, dir, name string) string {
	t.Helper()
	contents, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(contents)
}

func TestSweepScenarioA(t *testing.T) {
	cfg := testConfig(t, 40, 1500)
	fb := &fakeBuilder{recordsFor: scenarioARecords}
	log, hook := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, res.Series, 3)
	for _, s := range res.Series {
		require.Len(t, s.Points, 2)
	}
	assert.Equal(t, MetricPoint{X: 40, Y: 250.0, Defined: true}, res.Series[0].Points[0])
	assert.Equal(t, MetricPoint{X: 1500, Y: 250.0, Defined: true}, res.Series[0].Points[1])
	assert.Equal(t, MetricPoint{X: 40, Y: 1.0, Defined: true}, res.Series[2].Points[0])
	assert.Equal(t, MetricPoint{X: 1500, Y: 1.0, Defined: true}, res.Series[2].Points[1])

	assert.Len(t, res.Files, 6)
	assert.Contains(t, readSeries(t, cfg.OutputDir, "Vegas_wired_throughput_SD.dat"), "40 250\n1500 250\n")
	assert.Contains(t, readSeries(t, cfg.OutputDir, "Vegas_wired_jfi_ALL.dat"), "40 1\n1500 1\n")
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "Vegas_wired_throughput_DS.plt"))

	completed := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "iteration complete" {
			completed += 1
			assert.Equal(t, "Vegas", entry.Data["variant"])
			assert.Equal(t, 250.0, entry.Data["throughput_sd"])
		}
	}
	assert.Equal(t, 2, completed)
}

func TestSweepDrivesEachIterationAfresh(t *testing.T) {
	cfg := testConfig(t, 40, 1500)
	cfg.Topology = netsim.Wireless
	cfg.SegmentOverhead[netsim.Wireless] = 12
	cfg.Duration = 3
	fb := &fakeBuilder{recordsFor: scenarioARecords}
	log, _ := quietLogger()

	s, err := NewSweep(cfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)
	_, err = s.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, fb.specs, 2)
	assert.Equal(t, 52, fb.specs[0].SegmentSize)
	assert.Equal(t, 1512, fb.specs[1].SegmentSize)
	assert.Equal(t, "40_Vegas", fb.specs[0].TraceTag)
	for _, spec := range fb.specs {
		assert.Equal(t, netsim.Wireless, spec.Kind)
		assert.Equal(t, s.Congestion(), spec.Congestion)
		assert.Equal(t, netsim.DefaultLinkSet(netsim.Wireless), spec.Links)
	}

	assert.Equal(t, 1, fb.maxLive, "one topology at a time")
	for idx, ft := range fb.topos {
		assert.True(t, ft.destroyed)
		assert.Equal(t, 4.0, ft.until)
		require.Len(t, ft.apps, 1)
		app := ft.apps[0]
		assert.Equal(t, netsim.LeftLeaf, app.SrcNode)
		assert.Equal(t, netsim.RightLeaf, app.DstNode)
		assert.Equal(t, cfg.PacketSizes[idx], app.PacketSize)
		assert.Equal(t, "100Mbps", app.DataRate)
		assert.Equal(t, 0.0, app.SinkStart)
		assert.Equal(t, 1.0, app.Start)
	}
}

func TestSweepScenarioBWritesNothing(t *testing.T) {
	cfg := testConfig(t, 40, 1500)
	cfg.Variant = "Reno2"
	fb := &fakeBuilder{recordsFor: scenarioARecords}

	res, err := Run(context.Background(), cfg, WithBuilder(fb))
	require.Error(t, err)
	assert.Nil(t, res)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Reno2", cfgErr.Value)
	assert.Empty(t, fb.specs, "no topology built")

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepScenarioCDuplexFairness(t *testing.T) {
	cfg := testConfig(t, 552)
	cfg.Duplex = true
	fb := &fakeBuilder{recordsFor: func(spec netsim.BuildSpec) []FlowRecord {
		return []FlowRecord{
			{FlowID: 1, Source: left, Destination: right, RxBytes: 100000, FirstRx: 1, LastRx: 5},
			{FlowID: 2, Source: rightEphm, Destination: leftSink, RxBytes: 50000, FirstRx: 1, LastRx: 5},
			{FlowID: 3, Source: right, Destination: left, RxBytes: 2000, FirstRx: 1, LastRx: 5},
			{FlowID: 4, Source: leftSink, Destination: rightEphm, RxBytes: 1000, FirstRx: 1, LastRx: 5},
		}
	}}
	log, _ := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)

	require.Len(t, fb.topos[0].apps, 2)
	rev := fb.topos[0].apps[1]
	assert.Equal(t, netsim.RightLeaf, rev.SrcNode)
	assert.Equal(t, cfg.SinkPort+1, rev.Port)
	assert.Positive(t, rev.Jitter)

	assert.Equal(t, 200.0, res.Series[0].Points[0].Y)
	assert.Equal(t, 100.0, res.Series[1].Points[0].Y)
	assert.Equal(t, 0.9, res.Series[2].Points[0].Y)
}

func TestSweepPreservesInputOrder(t *testing.T) {
	sizes := []int{1500, 40, 576, 44}
	cfg := testConfig(t, sizes...)
	fb := &fakeBuilder{recordsFor: func(spec netsim.BuildSpec) []FlowRecord {
		return []FlowRecord{{FlowID: 1, Source: left, Destination: right,
			RxBytes: uint64(spec.SegmentSize) * 100, FirstRx: 1, LastRx: 2}}
	}}
	log, _ := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)
	for _, s := range res.Series {
		require.Len(t, s.Points, len(sizes))
		for idx, pt := range s.Points {
			assert.Equal(t, sizes[idx], pt.X)
		}
	}
	assert.Equal(t, float64(1500*100*8)/1000, res.Series[0].Points[0].Y)
	assert.Contains(t, readSeries(t, cfg.OutputDir, "Vegas_wired_throughput_SD.dat"), "1500 1200\n40 32\n576 460.8\n44 35.2\n")
}

func TestSweepRecordsNoData(t *testing.T) {
	cfg := testConfig(t, 40, 60)
	fb := &fakeBuilder{recordsFor: func(spec netsim.BuildSpec) []FlowRecord {
		if spec.SegmentSize == 40 {
			return nil
		}
		return []FlowRecord{{FlowID: 1, Source: left, Destination: right, RxBytes: 60, FirstRx: 1.5, LastRx: 1.5}}
	}}
	log, _ := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)
	for _, s := range res.Series {
		require.Len(t, s.Points, 2)
		assert.False(t, s.Points[0].Defined)
		assert.False(t, s.Points[1].Defined)
	}
	assert.Contains(t, readSeries(t, cfg.OutputDir, "Vegas_wired_jfi_ALL.dat"), "40 ?\n60 ?\n")
}

func TestSweepAbortFlushesPartialSeries(t *testing.T) {
	cfg := testConfig(t, 40, 44, 48, 52)
	engineErr := fmt.Errorf("queue configuration rejected")
	fb := &fakeBuilder{recordsFor: scenarioARecords, failBuild: map[int]error{48: engineErr}}
	log, _ := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	require.Error(t, err)

	var runErr *RunEngineError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, 2, runErr.Iteration)
	assert.Equal(t, 48, runErr.PacketSize)
	assert.Equal(t, "Vegas", runErr.Variant)
	assert.Equal(t, "build", runErr.Op)
	assert.ErrorIs(t, err, engineErr)

	require.NotNil(t, res)
	assert.True(t, res.Partial)
	assert.Len(t, res.Series[0].Points, 2)
	assert.Len(t, fb.specs, 3, "no iteration after the failure")
	for _, ft := range fb.topos {
		assert.True(t, ft.destroyed)
	}

	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, "Vegas_wired_throughput_SD.dat"))
	assert.Equal(t, "# Vegas throughput source to destination, wired\n# Packet Size (Bytes)\tThroughput (Kbps)\n40 250\n44 250\n",
		readSeries(t, cfg.OutputDir, "Vegas_wired_throughput_SD.partial.dat"))
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "Vegas_wired_jfi_ALL.partial.plt"))
}

func TestSweepRunFailureDestroysTopology(t *testing.T) {
	cfg := testConfig(t, 40, 44)
	fb := &fakeBuilder{recordsFor: scenarioARecords, failRun: map[int]error{40: fmt.Errorf("event list exhausted")}}
	log, _ := quietLogger()

	res, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log))
	var runErr *RunEngineError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, "run", runErr.Op)
	assert.Equal(t, 0, runErr.Iteration)
	assert.False(t, res.Partial, "nothing completed, nothing flushed")
	assert.Empty(t, res.Files)
	require.Len(t, fb.topos, 1)
	assert.True(t, fb.topos[0].destroyed)

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepCancelled(t *testing.T) {
	cfg := testConfig(t, 40, 44)
	fb := &fakeBuilder{recordsFor: scenarioARecords}
	log, _ := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, cfg, WithBuilder(fb), WithLogger(log))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fb.specs)
}

func TestParallelSweepMergesInSweepOrder(t *testing.T) {
	sizes := []int{1500, 40, 576, 44, 628, 52}
	recordsFor := func(spec netsim.BuildSpec) []FlowRecord {
		return []FlowRecord{{FlowID: 1, Source: left, Destination: right,
			RxBytes: uint64(spec.SegmentSize) * 1000, FirstRx: 1, LastRx: 3}}
	}
	log, _ := quietLogger()

	seqCfg := testConfig(t, sizes...)
	seq, err := Run(context.Background(), seqCfg, WithBuilder(&fakeBuilder{recordsFor: recordsFor}), WithLogger(log))
	require.NoError(t, err)

	parCfg := testConfig(t, sizes...)
	parCfg.Parallel = 3
	// larger sizes finish first
	fb := &fakeBuilder{recordsFor: recordsFor, delay: func(segment int) time.Duration {
		return time.Duration(2000-segment) * time.Microsecond
	}}
	par, err := Run(context.Background(), parCfg, WithBuilder(fb), WithLogger(log))
	require.NoError(t, err)

	assert.Equal(t, seq.Series, par.Series)
	assert.LessOrEqual(t, fb.maxLive, 3)
	for _, name := range []string{"Vegas_wired_throughput_SD.dat", "Vegas_wired_jfi_ALL.dat"} {
		assert.Equal(t, readSeries(t, seqCfg.OutputDir, name), readSeries(t, parCfg.OutputDir, name))
	}
}

func TestSweepWritesMetrics(t *testing.T) {
	cfg := testConfig(t, 40, 1500)
	cfg.MetricsFile = filepath.Join(cfg.OutputDir, "sweep.prom")
	reg := prometheus.NewRegistry()
	log, _ := quietLogger()

	_, err := Run(context.Background(), cfg, WithBuilder(&fakeBuilder{recordsFor: scenarioARecords}),
		WithLogger(log), WithMetricsRegistry(reg))
	require.NoError(t, err)

	contents := readSeries(t, cfg.OutputDir, "sweep.prom")
	assert.Contains(t, contents, `ccsweep_iterations_total{outcome="ok",topology="wired",variant="Vegas"} 2`)
	assert.Contains(t, contents, `ccsweep_throughput_kbps{direction="SD",packet_size="40",topology="wired",variant="Vegas"} 250`)
	assert.Contains(t, contents, `ccsweep_fairness_index{packet_size="1500",topology="wired",variant="Vegas"} 1`)
}

func TestSweepWithRegisteredVariant(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("NewReno", func() netsim.Congestion {
		return netsim.Congestion{Name: "NewReno", TypeID: "ns3::TcpNewReno",
			Window: netsim.WindowProfile{InitialWindow: 2, Beta: 0.5}}
	}))
	cfg := testConfig(t, 40)
	cfg.Variant = "NewReno"
	fb := &fakeBuilder{recordsFor: scenarioARecords}
	log, _ := quietLogger()

	_, err := Run(context.Background(), cfg, WithBuilder(fb), WithLogger(log), WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, "ns3::TcpNewReno", fb.specs[0].Congestion.TypeID)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, "NewReno_wired_throughput_SD.plt"))
}

func TestSweepConfigIsCopied(t *testing.T) {
	cfg := testConfig(t, 40, 1500)
	s, err := NewSweep(cfg, WithBuilder(&fakeBuilder{recordsFor: scenarioARecords}))
	require.NoError(t, err)

	cfg.PacketSizes[0] = 9000
	assert.Equal(t, []int{40, 1500}, s.Config().PacketSizes)
}

func TestEngineSweepIsDeterministic(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the packet engine")
	}
	log, _ := quietLogger()
	run := func() (*Result, string) {
		cfg := testConfig(t, 552, 1500)
		cfg.Duration = 1
		cfg.Duplex = true
		cfg.Links = map[netsim.TopoKind]netsim.LinkSet{netsim.Wired: {Access: netsim.LinkParams{LossRate: 0.0005}}}
		res, err := Run(context.Background(), cfg, WithLogger(log))
		require.NoError(t, err)
		return res, cfg.OutputDir
	}

	first, firstDir := run()
	second, secondDir := run()
	assert.Equal(t, first.Series, second.Series)
	for _, name := range []string{"Vegas_wired_throughput_SD.dat", "Vegas_wired_throughput_DS.dat", "Vegas_wired_jfi_ALL.dat"} {
		assert.Equal(t, readSeries(t, firstDir, name), readSeries(t, secondDir, name))
	}

	for _, is := range first.Iterations {
		require.True(t, is.Forward.Defined)
		assert.Less(t, is.Forward.Y, 10000.0*1.01, "bottleneck bounds throughput")
		assert.Equal(t, 1, is.ForwardFlow)
		assert.True(t, is.Fairness.Defined)
		assert.LessOrEqual(t, is.Fairness.Y, 1.0)
	}
}

func TestEngineSweepWritesTraces(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the packet engine")
	}
	cfg := testConfig(t, 1500)
	cfg.Duration = 0.5
	cfg.Tracing = true
	cfg.TraceDir = t.TempDir()
	log, _ := quietLogger()

	_, err := Run(context.Background(), cfg, WithLogger(log))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.TraceDir, "wired-fm_1500_Vegas.yaml"))
	assert.FileExists(t, filepath.Join(cfg.TraceDir, "wired-pcap_1500_Vegas.yaml"))
}
