// Package pipeline runs the denoising stages for a single subject.
//
// The pipeline has two stages:
//
//  1. Triggers: decode both PMU traces, identify the cardiac trace, align the
//     traces to each other and to the scan, and write the trigger file
//  2. Clean: load the volume and the regressor images produced from the
//     trigger file by an external toolbox, regress them out slice by slice
//     and write the cleaned volume
//
// All paths are explicit parameters; nothing depends on the working directory.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/acquisition"
	"pnmdenoise/pkg/config"
	"pnmdenoise/pkg/nifti"
	"pnmdenoise/pkg/physio"
	"pnmdenoise/pkg/pnmerr"
	"pnmdenoise/pkg/regression"
	"pnmdenoise/pkg/spectrum"
	"pnmdenoise/pkg/trigger"
	"pnmdenoise/pkg/visualization"
)

// Params holds the inputs and outputs of one subject run.
type Params struct {
	// Subject identifies the run in logs and errors
	Subject string

	// TraceA and TraceB are the two PMU trace files, in either role order
	TraceA string
	TraceB string

	// AcquisitionTime is the scan start as HHMMSS.fff
	AcquisitionTime string

	// TRMs is the repetition time in milliseconds
	TRMs float64

	// VolumeCountFile holds the number of acquired volumes
	VolumeCountFile string

	// RequireTriggers makes a missing volume count file fatal instead of
	// producing a trigger file without triggers
	RequireTriggers bool

	// TriggerFile is where the aligned traces and triggers are written
	TriggerFile string

	// VolumeFile is the 4D image to clean
	VolumeFile string

	// RegressorFiles are the EV images, one per explanatory variable
	RegressorFiles []string

	// OutputFile receives the cleaned volume
	OutputFile string

	// SnapshotDir receives mean image snapshots when non-empty
	SnapshotDir string
}

// TriggerSummary describes the outcome of the trigger stage.
type TriggerSummary struct {
	Roles  *spectrum.Roles
	Result *trigger.Result
}

// Pipeline runs the stages for one subject.
type Pipeline struct {
	params *Params
	cfg    *config.Config
	log    logrus.FieldLogger

	triggers *TriggerSummary
	stats    []regression.SliceStats
}

// NewPipeline creates a pipeline. A nil cfg uses config.DefaultConfig() and
// a nil log uses the logrus standard logger.
func NewPipeline(params *Params, cfg *config.Config, log logrus.FieldLogger) *Pipeline {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if params.Subject != "" {
		log = log.WithField("subject", params.Subject)
	}
	return &Pipeline{params: params, cfg: cfg, log: log}
}

// Process runs every stage whose inputs are set, checking ctx between stages.
func (p *Pipeline) Process(ctx context.Context) error {
	ran := false
	if p.params.TraceA != "" || p.params.TraceB != "" {
		if err := p.Triggers(ctx); err != nil {
			return err
		}
		ran = true
	}
	if p.params.VolumeFile != "" {
		if err := p.Clean(ctx); err != nil {
			return err
		}
		ran = true
	}
	if !ran {
		return pnmerr.WithSubject(fmt.Errorf("nothing to do: no traces and no volume given"), p.params.Subject)
	}
	return nil
}

// Triggers runs the trigger stage.
func (p *Pipeline) Triggers(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	summary, err := p.runTriggers()
	if err != nil {
		return pnmerr.WithSubject(err, p.params.Subject)
	}
	p.triggers = summary
	return nil
}

func (p *Pipeline) runTriggers() (*TriggerSummary, error) {
	opts := p.cfg.ParseOptions()

	p.log.Info("Step 1: Decoding physiological traces...")
	a, err := physio.ParseFile(p.params.TraceA, opts)
	if err != nil {
		return nil, err
	}
	b, err := physio.ParseFile(p.params.TraceB, opts)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"stream_a": a.Channel, "len_a": a.Len(), "stream_b": b.Channel, "len_b": b.Len(),
	}).Info("decoded traces")

	p.log.Info("Step 2: Identifying cardiac and respiratory traces...")
	if a.Len() == 0 || b.Len() == 0 {
		return nil, pnmerr.Alignmentf("classify", "empty trace")
	}
	roles, err := spectrum.AssignRoles(a, b, p.log)
	if err != nil {
		return nil, err
	}

	p.log.Info("Step 3: Synchronizing traces with the acquisition...")
	// the volume count comes from VolumeCountFile, the timeline only needs timing
	timeline, err := acquisition.NewTimeline(p.params.AcquisitionTime, p.params.TRMs, 0)
	if err != nil {
		return nil, err
	}
	res, err := trigger.SynchronizeWithCount(a, b, timeline, p.params.VolumeCountFile, trigger.Options{
		Marker: p.cfg.Trigger.Marker,
		Logger: p.log,
	})
	if err != nil {
		return nil, err
	}
	if res.MissingCount != nil && p.params.RequireTriggers {
		return nil, res.MissingCount
	}

	p.log.Info("Step 4: Writing trigger file...")
	cardiac, resp := res.A, res.B
	if roles.Swapped {
		cardiac, resp = res.B, res.A
	}
	if err := writeTriggerFile(p.params.TriggerFile, cardiac, resp, res.Triggers); err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"path": p.params.TriggerFile, "samples": len(res.Triggers), "triggers": len(res.Positions),
	}).Info("trigger file written")

	return &TriggerSummary{Roles: roles, Result: res}, nil
}

func writeTriggerFile(path string, cardiac, resp *models.PhysiologicalTrace, trig models.TriggerArray) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating trigger directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating trigger file: %w", err)
	}
	if err := trigger.WriteTriggerFile(f, cardiac.Samples, resp.Samples, trig); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Clean runs the regression stage.
func (p *Pipeline) Clean(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.runClean(ctx); err != nil {
		return pnmerr.WithSubject(err, p.params.Subject)
	}
	return nil
}

func (p *Pipeline) runClean(ctx context.Context) error {
	p.log.Info("Step 5: Loading volume and regressors...")
	volume, err := nifti.ReadVolume(p.params.VolumeFile)
	if err != nil {
		return err
	}
	regressors, err := nifti.ReadRegressors(p.params.RegressorFiles)
	if err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"dims": fmt.Sprintf("%dx%dx%dx%d", volume.NX, volume.NY, volume.NZ, volume.NT),
		"evs":  regressors.EVs,
	}).Info("loaded volume")

	p.log.Info("Step 6: Regressing physiological noise slice by slice...")
	engine := regression.NewEngine(p.cfg.RegressionOptions(p.log))
	cleaned, stats, err := engine.CleanWithStats(ctx, volume, regressors)
	if err != nil {
		return err
	}
	p.stats = stats

	p.log.Info("Step 7: Writing cleaned volume...")
	if err := nifti.WriteVolume(cleaned, p.params.OutputFile); err != nil {
		return err
	}

	if p.params.SnapshotDir != "" {
		if err := saveSnapshots(p.params.SnapshotDir, volume, cleaned); err != nil {
			p.log.WithError(err).Warn("Failed to save snapshots")
		}
	}
	return nil
}

func saveSnapshots(dir string, original, cleaned *models.VolumeSeries) error {
	for _, s := range []struct {
		prefix string
		volume *models.VolumeSeries
	}{
		{"input_mean", original},
		{"cleaned_mean", cleaned},
	} {
		viewer, err := visualization.NewViewer(visualization.MeanImage(s.volume), 0)
		if err != nil {
			return err
		}
		if err := viewer.SaveSliceSequence("z", dir, s.prefix); err != nil {
			return err
		}
	}
	return nil
}

// Summary returns the outcome of the last successful trigger stage.
func (p *Pipeline) Summary() *TriggerSummary {
	return p.triggers
}

// SliceStats returns the per-slice fit statistics of the last clean stage.
func (p *Pipeline) SliceStats() []regression.SliceStats {
	return p.stats
}
