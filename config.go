package ccsweep

// config.go holds the experiment configuration, its defaults, and its
// serialized (yaml or json) form

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/ccsweep/netsim"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// DefaultPacketSizes runs from minimum-size segments to a full Ethernet payload
var DefaultPacketSizes = []int{40, 44, 48, 52, 60, 552, 576, 628, 1420, 1500}

// ExperimentConfig gives everything a sweep needs. A Sweep copies it, so
// changing a config after NewSweep has no effect on the sweep.
type ExperimentConfig struct {
	// Variant names the congestion-control variant, e.g. "Vegas"
	Variant string `json:"variant" yaml:"variant"`

	// Duration of traffic per iteration, in seconds
	Duration float64 `json:"duration" yaml:"duration"`

	// PacketSizes are swept in the order given
	PacketSizes []int `json:"packetsizes" yaml:"packetsizes"`

	// DataRate of the traffic generator, e.g. "100Mbps"
	DataRate string `json:"datarate" yaml:"datarate"`

	Topology netsim.TopoKind `json:"topology" yaml:"topology"`

	// SegmentOverhead is added to the packet size to give the segment size, per topology
	SegmentOverhead map[netsim.TopoKind]int `json:"segmentoverhead" yaml:"segmentoverhead"`

	// Tracing writes flow-monitor and packet trace files per iteration
	Tracing bool `json:"tracing" yaml:"tracing"`

	// Seed of every iteration's random stream
	Seed uint64 `json:"seed" yaml:"seed"`

	// Duplex adds a generator from the right leaf to the left
	Duplex bool `json:"duplex" yaml:"duplex"`

	// SinkPort is the port of the forward sink; the duplex sink uses the next one
	SinkPort int `json:"sinkport" yaml:"sinkport"`

	OutputDir string `json:"outputdir" yaml:"outputdir"`

	// TraceDir defaults to OutputDir
	TraceDir string `json:"tracedir" yaml:"tracedir"`

	// Parallel is the number of iterations run at once
	Parallel int `json:"parallel" yaml:"parallel"`

	// MetricsFile, when set, receives the sweep's metrics in the Prometheus text format
	MetricsFile string `json:"metricsfile" yaml:"metricsfile"`

	// Links override the default link parameters, per topology
	Links map[netsim.TopoKind]netsim.LinkSet `json:"links" yaml:"links"`

	// Parameters are link overrides applied most general first
	Parameters []netsim.ExpParameter `json:"parameters" yaml:"parameters"`

	// ParamFile names an ExpCfg file whose parameters are appended to Parameters at load
	ParamFile string `json:"paramfile" yaml:"paramfile"`
}

// DefaultConfig returns a five second Vegas sweep over the wired dumbbell
func DefaultConfig() ExperimentConfig {
	return ExperimentConfig{
		Variant:         "Vegas",
		Duration:        5.0,
		PacketSizes:     slices.Clone(DefaultPacketSizes),
		DataRate:        "100Mbps",
		Topology:        netsim.Wired,
		SegmentOverhead: map[netsim.TopoKind]int{netsim.Wired: 0, netsim.Wireless: 0},
		Seed:            1,
		SinkPort:        1000,
		OutputDir:       ".",
		Parallel:        1,
		Links:           map[netsim.TopoKind]netsim.LinkSet{},
		Parameters:      []netsim.ExpParameter{},
	}
}

// LoadConfig reads a configuration over the defaults. Serialization to json or
// to yaml is selected based on the extension of the filename.
func LoadConfig(filename string) (ExperimentConfig, error) {
	cfg := DefaultConfig()
	dict, err := os.ReadFile(filename)
	if err != nil {
		return cfg, err
	}

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		err = yaml.Unmarshal(dict, &cfg)
	case ".json", ".JSON":
		err = json.Unmarshal(dict, &cfg)
	default:
		err = fmt.Errorf("configuration file %s needs a .yaml or .json extension", filename)
	}
	if err != nil {
		return cfg, err
	}

	if len(cfg.ParamFile) > 0 {
		excfg, err := netsim.ReadExpCfg(cfg.ParamFile, path.Ext(cfg.ParamFile) != ".json", nil)
		if err != nil {
			return cfg, err
		}
		cfg.Parameters = append(cfg.Parameters, excfg.Parameters...)
	}
	return cfg, nil
}

// WriteToFile stores the configuration to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *ExperimentConfig) WriteToFile(filename string) error {
	var bytes []byte
	var merr error

	switch path.Ext(filename) {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*cfg)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	default:
		return fmt.Errorf("configuration file %s needs a .yaml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// Validate collects every problem with the configuration other than the
// variant name, which the Selector judges
func (cfg *ExperimentConfig) Validate() error {
	errs := []error{}
	if !(cfg.Duration > 0) {
		errs = append(errs, fmt.Errorf("duration %v must be positive", cfg.Duration))
	}
	if len(cfg.PacketSizes) == 0 {
		errs = append(errs, fmt.Errorf("no packet sizes to sweep"))
	}
	for _, size := range cfg.PacketSizes {
		if size <= 0 {
			errs = append(errs, fmt.Errorf("packet size %d must be positive", size))
		}
	}
	if _, err := netsim.ParseDataRate(cfg.DataRate); err != nil {
		errs = append(errs, err)
	}
	if _, err := netsim.TopoKindFromStr(string(cfg.Topology)); err != nil {
		errs = append(errs, err)
	} else {
		if cfg.Overhead() < 0 {
			errs = append(errs, fmt.Errorf("segment overhead %d for %s is negative", cfg.Overhead(), cfg.Topology))
		}
		errs = append(errs, cfg.LinkSet().Validate())
	}
	if cfg.SinkPort <= 0 || cfg.SinkPort >= 49151 {
		errs = append(errs, fmt.Errorf("sink port %d outside (0,49151)", cfg.SinkPort))
	}
	if cfg.Parallel < 1 {
		errs = append(errs, fmt.Errorf("parallel %d must be at least 1", cfg.Parallel))
	}
	for idx := range cfg.Parameters {
		errs = append(errs, cfg.Parameters[idx].Validate())
	}
	if len(cfg.OutputDir) > 0 {
		if _, err := netsim.CheckDirectories([]string{cfg.OutputDir}); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Tracing {
		if _, err := netsim.CheckDirectories([]string{cfg.TraceDirectory()}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(cfg.MetricsFile) > 0 {
		if _, err := netsim.CheckOutputFiles([]string{cfg.MetricsFile}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := netsim.ReportErrs(errs); err != nil {
		return &ConfigurationError{Field: "config", Err: err}
	}
	return nil
}

// Overhead is the segment overhead of the configured topology
func (cfg *ExperimentConfig) Overhead() int {
	return cfg.SegmentOverhead[cfg.Topology]
}

// LinkSet is the configured topology's default links with the overrides applied
func (cfg *ExperimentConfig) LinkSet() netsim.LinkSet {
	return netsim.DefaultLinkSet(cfg.Topology).Merge(cfg.Links[cfg.Topology])
}

// TraceDirectory is where trace files go
func (cfg *ExperimentConfig) TraceDirectory() string {
	if len(cfg.TraceDir) > 0 {
		return cfg.TraceDir
	}
	return cfg.OutputDir
}

// clone returns a copy sharing no slices or maps with cfg
func (cfg *ExperimentConfig) clone() ExperimentConfig {
	cp := *cfg
	cp.PacketSizes = slices.Clone(cfg.PacketSizes)
	cp.SegmentOverhead = maps.Clone(cfg.SegmentOverhead)
	cp.Links = maps.Clone(cfg.Links)
	cp.Parameters = make([]netsim.ExpParameter, 0, len(cfg.Parameters))
	for _, param := range cfg.Parameters {
		param.Attributes = slices.Clone(param.Attributes)
		cp.Parameters = append(cp.Parameters, param)
	}
	return cp
}
