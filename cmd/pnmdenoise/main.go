package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pnmdenoise/pkg/config"
	"pnmdenoise/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "pnmdenoise.yaml", "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	stage := flag.String("stage", "all", "Stage to run: triggers, clean or all")
	subject := flag.String("subject", "", "Subject identifier used in logs and errors")
	traceA := flag.String("trace-a", "", "First PMU trace file")
	traceB := flag.String("trace-b", "", "Second PMU trace file")
	acqTime := flag.String("acq-time", "", "Acquisition start time as HHMMSS.fff")
	tr := flag.Float64("tr", 0, "Repetition time in ms")
	nvols := flag.String("nvols", "", "File holding the number of acquired volumes")
	requireTriggers := flag.Bool("require-triggers", false, "Fail when the volume count file is missing")
	triggerOut := flag.String("triggers-out", "", "Output trigger file (cardiac, respiratory, trigger)")
	volume := flag.String("volume", "", "4D NIfTI image to clean")
	evs := flag.String("evs", "", "Comma separated EV images produced from the trigger file")
	output := flag.String("output", "", "Output cleaned NIfTI image")
	snapshots := flag.String("snapshots", "", "Directory for mean image snapshots (overrides output.saveSnapshots)")
	workers := flag.Int("workers", 0, "Slices solved concurrently (0 keeps the configured value)")
	logLevel := flag.String("log-level", "", "Log level (overrides output.logLevel)")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Regression.NumWorkers = *workers
	}
	if *logLevel != "" {
		cfg.Output.LogLevel = *logLevel
	}
	log, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	params := &pipeline.Params{
		Subject:         *subject,
		TraceA:          *traceA,
		TraceB:          *traceB,
		AcquisitionTime: *acqTime,
		TRMs:            *tr,
		VolumeCountFile: *nvols,
		RequireTriggers: *requireTriggers,
		TriggerFile:     *triggerOut,
		VolumeFile:      *volume,
		OutputFile:      *output,
		SnapshotDir:     *snapshots,
	}
	if *evs != "" {
		params.RegressorFiles = strings.Split(*evs, ",")
	}
	if params.SnapshotDir == "" && cfg.Output.SaveSnapshots && params.OutputFile != "" {
		params.SnapshotDir = strings.TrimSuffix(strings.TrimSuffix(params.OutputFile, ".gz"), ".nii") + "_qc"
	}

	if err := validate(*stage, params); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := pipeline.NewPipeline(params, cfg, log)
	startTime := time.Now()
	switch *stage {
	case "triggers":
		err = p.Triggers(ctx)
	case "clean":
		err = p.Clean(ctx)
	default:
		err = p.Process(ctx)
	}
	if err != nil {
		log.WithError(err).Fatal("Denoising failed")
	}

	fields := logrus.Fields{"elapsed": time.Since(startTime).Round(time.Millisecond).String()}
	if s := p.Summary(); s != nil {
		fields["triggers"] = len(s.Result.Positions)
		fields["warnings"] = len(s.Result.Warnings)
	}
	if stats := p.SliceStats(); stats != nil {
		fields["slices"] = len(stats)
	}
	log.WithFields(fields).Info("Completed successfully")
}

func validate(stage string, p *pipeline.Params) error {
	var missing []string
	need := func(name, val string) {
		if val == "" {
			missing = append(missing, name)
		}
	}

	switch stage {
	case "triggers", "clean", "all":
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}

	if stage == "triggers" || (stage == "all" && (p.TraceA != "" || p.TraceB != "")) {
		need("-trace-a", p.TraceA)
		need("-trace-b", p.TraceB)
		need("-acq-time", p.AcquisitionTime)
		need("-nvols", p.VolumeCountFile)
		need("-triggers-out", p.TriggerFile)
		if p.TRMs <= 0 {
			missing = append(missing, "-tr")
		}
	}
	if stage == "clean" || (stage == "all" && p.VolumeFile != "") {
		need("-volume", p.VolumeFile)
		need("-output", p.OutputFile)
		if len(p.RegressorFiles) == 0 {
			missing = append(missing, "-evs")
		}
	}
	if stage == "all" && p.TraceA == "" && p.TraceB == "" && p.VolumeFile == "" {
		return fmt.Errorf("nothing to do: give traces, a volume, or both")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	return nil
}
