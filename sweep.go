package ccsweep

// sweep.go drives the build, install, run, collect and destroy cycle across
// the packet sizes of an experiment and exports the resulting series

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iti/ccsweep/netsim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// sinks listen from the start; generators begin a second later, once routes settle
	sinkStartTime = 0.0
	appStartTime  = 1.0

	// reverseJitter spreads the start of the duplex generator so the forward
	// flow is numbered first
	reverseJitter = 0.001
)

// Sweep runs one experiment. Build one with NewSweep.
type Sweep struct {
	cfg      ExperimentConfig
	token    netsim.Congestion
	builder  Builder
	log      logrus.FieldLogger
	variants *Registry
	promReg  *prometheus.Registry
	metrics  *SweepMetrics
	runID    string
}

// Option customizes a Sweep
type Option func(*Sweep)

// WithBuilder replaces the netsim engine as the run engine
func WithBuilder(builder Builder) Option {
	return func(s *Sweep) { s.builder = builder }
}

// WithLogger sets where the sweep logs
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Sweep) { s.log = log }
}

// WithRegistry resolves the variant against reg, which may hold registered variants
func WithRegistry(reg *Registry) Option {
	return func(s *Sweep) { s.variants = reg }
}

// WithMetricsRegistry registers the sweep's metrics on reg
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Sweep) { s.promReg = reg }
}

// Result is what a sweep produced
type Result struct {
	RunID string

	// Series hold one point per completed iteration, in sweep order
	Series []Series

	// Iterations are the per-iteration statistics, in sweep order
	Iterations []IterationStats

	// Files are the paths of the exported artifacts
	Files []string

	// Partial is set when the sweep aborted and Files hold the data collected before it did
	Partial bool
}

// NewSweep validates the configuration and resolves the variant. Nothing is
// built and no file is written when it fails.
func NewSweep(cfg ExperimentConfig, opts ...Option) (*Sweep, error) {
	s := &Sweep{cfg: cfg.clone()}
	for _, opt := range opts {
		opt(s)
	}
	if s.variants == nil {
		s.variants = NewRegistry()
	}
	if s.builder == nil {
		s.builder = NewEngineBuilder()
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
	}

	token, err := s.variants.Resolve(s.cfg.Variant)
	if err != nil {
		return nil, err
	}
	s.token = token
	if kind, err := netsim.TopoKindFromStr(string(s.cfg.Topology)); err == nil {
		s.cfg.Topology = kind
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	s.runID = uuid.NewString()
	s.metrics = NewSweepMetrics(s.promReg)
	s.log = s.log.WithFields(logrus.Fields{
		"run_id":   s.runID,
		"variant":  s.token.Name,
		"topology": string(s.cfg.Topology),
	})
	return s, nil
}

// Run is NewSweep followed by Sweep.Run
func Run(ctx context.Context, cfg ExperimentConfig, opts ...Option) (*Result, error) {
	s, err := NewSweep(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx)
}

// Config returns the sweep's copy of the configuration
func (s *Sweep) Config() ExperimentConfig {
	return s.cfg.clone()
}

// Congestion is the token every iteration hands the run engine
func (s *Sweep) Congestion() netsim.Congestion {
	return s.token
}

// Metrics are the sweep's metrics
func (s *Sweep) Metrics() *SweepMetrics {
	return s.metrics
}

// RunID identifies the sweep in logs
func (s *Sweep) RunID() string {
	return s.runID
}

// Run sweeps the packet sizes and exports the series. When an iteration fails
// the sweep stops; the points of the iterations completed before it are
// exported under the partial name and the iteration's *RunEngineError is returned.
func (s *Sweep) Run(ctx context.Context) (*Result, error) {
	sizes := s.cfg.PacketSizes
	results := make([]*IterationStats, len(sizes))

	s.log.WithField("packet_sizes", sizes).Info("sweep starting")

	var runErr error
	if s.cfg.Parallel <= 1 {
		for idx, size := range sizes {
			is, err := s.iterate(ctx, idx, size)
			if err != nil {
				runErr = err
				break
			}
			results[idx] = is
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallel)
		for idx, size := range sizes {
			idx, size := idx, size
			g.Go(func() error {
				is, err := s.iterate(gctx, idx, size)
				if err != nil {
					return err
				}
				results[idx] = is
				return nil
			})
		}
		runErr = g.Wait()
	}

	// merge in sweep order, up to the first iteration that did not complete
	recorder := NewRecorder(s.token.Name, s.cfg.Topology)
	res := &Result{RunID: s.runID}
	for _, is := range results {
		if is == nil {
			break
		}
		recorder.Append(*is)
		res.Iterations = append(res.Iterations, *is)
	}
	res.Series = recorder.Series()

	if runErr != nil {
		s.log.WithError(runErr).WithField("completed", recorder.Len()).Error("sweep aborted")
		if recorder.Len() > 0 {
			files, err := Export(s.cfg.OutputDir, res.Series, true)
			res.Files, res.Partial = files, true
			if err != nil {
				s.log.WithError(err).Error("partial export failed")
			}
		}
		s.writeMetrics()
		return res, runErr
	}

	files, err := Export(s.cfg.OutputDir, res.Series, false)
	res.Files = files
	if err != nil {
		return res, err
	}
	if err := s.writeMetrics(); err != nil {
		return res, err
	}
	s.log.WithField("files", len(files)).Info("sweep complete")
	return res, nil
}

func (s *Sweep) writeMetrics() error {
	if len(s.cfg.MetricsFile) == 0 {
		return nil
	}
	if err := s.metrics.WriteToTextfile(s.cfg.MetricsFile); err != nil {
		s.log.WithError(err).Error("writing metrics")
		return &OutputWriteError{Series: "metrics", Path: s.cfg.MetricsFile, Err: err}
	}
	return nil
}

// buildSpec is the explicit parameter object of the iteration at packet size size
func (s *Sweep) buildSpec(size int) netsim.BuildSpec {
	return netsim.BuildSpec{
		Name:        fmt.Sprintf("%s-%s-%d", s.token.Name, s.cfg.Topology, size),
		Kind:        s.cfg.Topology,
		Links:       s.cfg.LinkSet(),
		Parameters:  s.cfg.Parameters,
		Congestion:  s.token,
		SegmentSize: size + s.cfg.Overhead(),
		Seed:        s.cfg.Seed,
		Tracing:     s.cfg.Tracing,
		TraceDir:    s.cfg.TraceDirectory(),
		TraceTag:    fmt.Sprintf("%d_%s", size, s.token.Name),
	}
}

// apps are the generator/sink pairs of the iteration at packet size size
func (s *Sweep) apps(size int) []netsim.AppSpec {
	apps := []netsim.AppSpec{{
		SrcNode:    netsim.LeftLeaf,
		DstNode:    netsim.RightLeaf,
		Port:       s.cfg.SinkPort,
		DataRate:   s.cfg.DataRate,
		PacketSize: size,
		SinkStart:  sinkStartTime,
		Start:      appStartTime,
	}}
	if s.cfg.Duplex {
		apps = append(apps, netsim.AppSpec{
			SrcNode:    netsim.RightLeaf,
			DstNode:    netsim.LeftLeaf,
			Port:       s.cfg.SinkPort + 1,
			DataRate:   s.cfg.DataRate,
			PacketSize: size,
			SinkStart:  sinkStartTime,
			Start:      appStartTime,
			Jitter:     reverseJitter,
		})
	}
	return apps
}

// iterate runs the sweep at one packet size on a topology of its own, destroyed on return
func (s *Sweep) iterate(ctx context.Context, idx, size int) (*IterationStats, error) {
	started := time.Now()
	log := s.log.WithFields(logrus.Fields{"iteration": idx, "packet_size": size})
	fail := func(op string, err error) (*IterationStats, error) {
		s.metrics.failed(s.token.Name, string(s.cfg.Topology))
		return nil, &RunEngineError{Iteration: idx, PacketSize: size, Variant: s.token.Name, Op: op, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("build", err)
	}
	spec := s.buildSpec(size)
	log.WithField("segment_size", spec.SegmentSize).Debug("building topology")

	topo, err := s.builder.Build(ctx, spec)
	if err != nil {
		return fail("build", err)
	}
	defer topo.Destroy()

	if err := topo.Install(s.apps(size)); err != nil {
		return fail("install", err)
	}
	if err := topo.Run(ctx, s.cfg.Duration+appStartTime); err != nil {
		return fail("run", err)
	}

	is := Aggregate(size, topo.FlowRecords(), topo.SinkPorts())
	for _, rec := range is.Records {
		kbps, ok := Throughput(rec)
		log.WithFields(logrus.Fields{"flow": rec.FlowID, "defined": ok}).Debugf("Flow %d (%s -> %s) Throughput: %v Kbps",
			rec.FlowID, rec.Source, rec.Destination, kbps)
	}
	log.WithFields(logrus.Fields{
		"throughput_sd": pointField(is.Forward),
		"throughput_ds": pointField(is.Reverse),
		"jfi":           pointField(is.Fairness),
		"flows":         len(is.Records),
	}).Info("iteration complete")

	s.metrics.observe(s.token.Name, string(s.cfg.Topology), is, time.Since(started).Seconds())
	return &is, nil
}

func pointField(pt MetricPoint) any {
	if !pt.Defined {
		return "no data"
	}
	return pt.Y
}
