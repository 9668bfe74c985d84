package main

// ccsweep sweeps a congestion-control variant across packet sizes on a
// dumbbell and writes throughput and fairness series as gnuplot scripts

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/iti/ccsweep"
	"github.com/iti/ccsweep/netsim"
	"github.com/iti/cmdline"
	log "github.com/sirupsen/logrus"
)

// cmdlineParameters configures for recognition of command line variables.
// Every flag is carried as a string and converted in applyFlags.
func cmdlineParameters() *cmdline.CmdParser {
	cp := cmdline.NewCmdParser()
	cp.AddFlag(cmdline.StringFlag, "tcpProtocol", false)    // Westwood, WestwoodPlus, Vegas, Veno, or their Tcp names
	cp.AddFlag(cmdline.StringFlag, "simulationTime", false) // seconds of traffic per packet size
	cp.AddFlag(cmdline.StringFlag, "pcap", false)           // "true" writes flow monitor and packet traces
	cp.AddFlag(cmdline.StringFlag, "topology", false)       // wired or wireless
	cp.AddFlag(cmdline.StringFlag, "config", false)         // yaml or json experiment configuration
	cp.AddFlag(cmdline.StringFlag, "outDir", false)
	cp.AddFlag(cmdline.StringFlag, "traceDir", false)
	cp.AddFlag(cmdline.StringFlag, "seed", false)
	cp.AddFlag(cmdline.StringFlag, "duplex", false)
	cp.AddFlag(cmdline.StringFlag, "parallel", false)
	cp.AddFlag(cmdline.StringFlag, "packetSizes", false) // comma separated, swept in the order given
	cp.AddFlag(cmdline.StringFlag, "dataRate", false)
	cp.AddFlag(cmdline.StringFlag, "overhead", false) // segment overhead for the chosen topology
	cp.AddFlag(cmdline.StringFlag, "metricsFile", false)
	cp.AddFlag(cmdline.StringFlag, "logLevel", false)
	return cp
}

func strVar(cp *cmdline.CmdParser, name string) string {
	value, _ := cp.GetVar(name).(string)
	return strings.TrimSpace(value)
}

// applyFlags writes the flags given on the command line over cfg
func applyFlags(cp *cmdline.CmdParser, cfg *ccsweep.ExperimentConfig) error {
	errs := []error{}

	if v := strVar(cp, "tcpProtocol"); len(v) > 0 {
		cfg.Variant = v
	}
	if v := strVar(cp, "simulationTime"); len(v) > 0 {
		duration, err := strconv.ParseFloat(v, 64)
		errs = append(errs, flagErr("simulationTime", err))
		cfg.Duration = duration
	}
	if v := strVar(cp, "pcap"); len(v) > 0 {
		tracing, err := strconv.ParseBool(v)
		errs = append(errs, flagErr("pcap", err))
		cfg.Tracing = tracing
	}
	if v := strVar(cp, "topology"); len(v) > 0 {
		kind, err := netsim.TopoKindFromStr(v)
		errs = append(errs, err)
		cfg.Topology = kind
	}
	if v := strVar(cp, "outDir"); len(v) > 0 {
		cfg.OutputDir = v
	}
	if v := strVar(cp, "traceDir"); len(v) > 0 {
		cfg.TraceDir = v
	}
	if v := strVar(cp, "seed"); len(v) > 0 {
		seed, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, flagErr("seed", err))
		cfg.Seed = seed
	}
	if v := strVar(cp, "duplex"); len(v) > 0 {
		duplex, err := strconv.ParseBool(v)
		errs = append(errs, flagErr("duplex", err))
		cfg.Duplex = duplex
	}
	if v := strVar(cp, "parallel"); len(v) > 0 {
		parallel, err := strconv.Atoi(v)
		errs = append(errs, flagErr("parallel", err))
		cfg.Parallel = parallel
	}
	if v := strVar(cp, "packetSizes"); len(v) > 0 {
		sizes := []int{}
		for _, field := range strings.Split(v, ",") {
			size, err := strconv.Atoi(strings.TrimSpace(field))
			errs = append(errs, flagErr("packetSizes", err))
			sizes = append(sizes, size)
		}
		cfg.PacketSizes = sizes
	}
	if v := strVar(cp, "dataRate"); len(v) > 0 {
		cfg.DataRate = v
	}
	if v := strVar(cp, "overhead"); len(v) > 0 {
		overhead, err := strconv.Atoi(v)
		errs = append(errs, flagErr("overhead", err))
		if cfg.SegmentOverhead == nil {
			cfg.SegmentOverhead = make(map[netsim.TopoKind]int)
		}
		cfg.SegmentOverhead[cfg.Topology] = overhead
	}
	if v := strVar(cp, "metricsFile"); len(v) > 0 {
		cfg.MetricsFile = v
	}
	return netsim.ReportErrs(errs)
}

func flagErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("flag -%s: %w", name, err)
}

func main() {
	cp := cmdlineParameters()
	cp.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level := strVar(cp, "logLevel"); len(level) > 0 {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			log.Fatal(err)
		}
		log.SetLevel(lvl)
	}

	cfg := ccsweep.DefaultConfig()
	if cfgFile := strVar(cp, "config"); len(cfgFile) > 0 {
		var err error
		cfg, err = ccsweep.LoadConfig(cfgFile)
		if err != nil {
			log.WithField("config", cfgFile).Fatal(err)
		}
	}
	if err := applyFlags(cp, &cfg); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := ccsweep.Run(ctx, cfg, ccsweep.WithLogger(log.StandardLogger()))
	if err != nil {
		entry := log.WithError(err)
		if res != nil && res.Partial {
			entry = entry.WithField("partial_files", res.Files)
		}
		entry.Error("sweep failed")
		stop()
		os.Exit(1)
	}
	for _, file := range res.Files {
		fmt.Println(file)
	}
}
