package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/config"
	"pnmdenoise/pkg/nifti"
	"pnmdenoise/pkg/pnmerr"
	"pnmdenoise/pkg/trigger"
)

// writePMU writes a Siemens style log with a sinusoid sampled at 50 Hz.
func writePMU(t *testing.T, path string, freq float64, startMs int64, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("1 2 40 280 5002 Logging signal: reduction factor = 1 6002")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, " %.0f", 2000+400*math.Sin(2*math.Pi*freq*float64(i)/50))
		if i%500 == 0 {
			b.WriteString(" 5000")
		}
	}
	b.WriteString(" 5003\n")
	fmt.Fprintf(&b, "LogStartMDHTime: %d\n", startMs)
	fmt.Fprintf(&b, "LogStopMDHTime: %d\n", startMs+int64(n)*20)
	b.WriteString("6003\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
}

func newTestPipeline(params *Params) *Pipeline {
	log, _ := test.NewNullLogger()
	cfg := config.DefaultConfig()
	cfg.Regression.NumWorkers = 2
	return NewPipeline(params, cfg, log)
}

func triggerParams(dir string) *Params {
	return &Params{
		Subject: "sub-01",
		// respiratory first, the pipeline has to find the cardiac trace
		TraceA:          filepath.Join(dir, "sub01.resp"),
		TraceB:          filepath.Join(dir, "sub01.puls"),
		AcquisitionTime: "100002.000",
		TRMs:            2000,
		VolumeCountFile: filepath.Join(dir, "nvols"),
		TriggerFile:     filepath.Join(dir, "out", "sub01_input.txt"),
	}
}

func TestTriggerStage(t *testing.T) {
	dir := t.TempDir()
	// 10:00:00.000 and one second later
	writePMU(t, filepath.Join(dir, "sub01.resp"), 0.3, 36000000, 6000)
	writePMU(t, filepath.Join(dir, "sub01.puls"), 1.2, 36001000, 5950)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nvols"), []byte("10\n"), 0644))

	params := triggerParams(dir)
	p := newTestPipeline(params)
	require.NoError(t, p.Process(context.Background()))

	summary := p.Summary()
	require.NotNil(t, summary)
	assert.True(t, summary.Roles.Swapped)
	assert.InDelta(t, 1.2, summary.Roles.CardiacHz, 0.01)
	assert.InDelta(t, 0.3, summary.Roles.RespiratoryHz, 0.01)

	res := summary.Result
	assert.Equal(t, 50, res.LeadTrim)
	assert.Equal(t, trigger.StreamA, res.LeadTrimmed)
	assert.Equal(t, 50, res.Inter)
	assert.Empty(t, res.Warnings)

	f, err := os.Open(params.TriggerFile)
	require.NoError(t, err)
	defer f.Close()
	cardiac, resp, trig, err := trigger.ReadTriggerFile(f)
	require.NoError(t, err)
	require.Len(t, cardiac, 5950)
	assert.Len(t, resp, 5950)

	// the first column is the cardiac trace even though it was given second
	assert.Equal(t, res.B.Samples, cardiac)
	assert.Equal(t, res.A.Samples, resp)

	want := make([]int, 10)
	for i := range want {
		want[i] = 50 + 1 + 100*(i+1)
	}
	assert.Equal(t, want, trig.Positions())
}

func TestTriggerStageMissingVolumeCount(t *testing.T) {
	dir := t.TempDir()
	writePMU(t, filepath.Join(dir, "sub01.resp"), 0.3, 36000000, 6000)
	writePMU(t, filepath.Join(dir, "sub01.puls"), 1.2, 36000000, 6000)

	params := triggerParams(dir)
	require.NoError(t, newTestPipeline(params).Process(context.Background()))
	f, err := os.Open(params.TriggerFile)
	require.NoError(t, err)
	_, _, trig, err := trigger.ReadTriggerFile(f)
	f.Close()
	require.NoError(t, err)
	assert.Len(t, trig, 6000)
	assert.Empty(t, trig.Positions())

	params.RequireTriggers = true
	params.TriggerFile = filepath.Join(dir, "strict.txt")
	err = newTestPipeline(params).Process(context.Background())
	assert.ErrorIs(t, err, pnmerr.ErrMissingResource)
	assert.Contains(t, err.Error(), "sub-01")
	assert.NoFileExists(t, params.TriggerFile)
}

func TestTriggerStageBadTrace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub01.resp"), []byte("1 2 3 4 5\n"), 0644))
	writePMU(t, filepath.Join(dir, "sub01.puls"), 1.2, 36000000, 600)

	err := newTestPipeline(triggerParams(dir)).Process(context.Background())
	assert.ErrorIs(t, err, pnmerr.ErrParse)
	assert.Contains(t, err.Error(), "subject sub-01")
}

func TestCleanStage(t *testing.T) {
	dir := t.TempDir()
	nx, ny, nz, nt := 3, 3, 2, 40

	ev := models.NewVolumeSeries(1, 1, nz, nt, [4]float64{1, 1, 1, 2})
	vol := models.NewVolumeSeries(nx, ny, nz, nt, [4]float64{2, 2, 4, 2})
	for z := 0; z < nz; z++ {
		for ti := 0; ti < nt; ti++ {
			ev.Set(0, 0, z, ti, math.Cos(float64(ti)/2+float64(z)))
		}
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				for ti := 0; ti < nt; ti++ {
					noise := float64((x*3+y*5+ti*7)%13) / 13
					vol.Set(x, y, z, ti, 500+float64(x+y)+noise+20*ev.At(0, 0, z, ti))
				}
			}
		}
	}
	volPath := filepath.Join(dir, "func.nii.gz")
	evPath := filepath.Join(dir, "ev001.nii.gz")
	require.NoError(t, nifti.WriteVolume(vol, volPath))
	require.NoError(t, nifti.WriteVolume(ev, evPath))

	params := &Params{
		Subject:        "sub-02",
		VolumeFile:     volPath,
		RegressorFiles: []string{evPath},
		OutputFile:     filepath.Join(dir, "func_clean.nii.gz"),
		SnapshotDir:    filepath.Join(dir, "qc"),
	}
	p := newTestPipeline(params)
	require.NoError(t, p.Process(context.Background()))

	out, err := nifti.ReadVolume(params.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, vol.Scale, out.Scale)

	require.Len(t, p.SliceStats(), nz)
	for _, st := range p.SliceStats() {
		assert.Equal(t, 1, st.Rank)
		assert.Greater(t, st.ExplainedVariance, 0.9)
	}

	in, err := nifti.ReadVolume(volPath)
	require.NoError(t, err)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				var mIn, mOut float64
				for ti := 0; ti < nt; ti++ {
					mIn += in.At(x, y, z, ti)
					mOut += out.At(x, y, z, ti)
				}
				// float32 storage limits precision
				assert.InDelta(t, mIn/float64(nt), mOut/float64(nt), 1e-3)
			}
		}
	}

	assert.FileExists(t, filepath.Join(params.SnapshotDir, "input_mean_z_000.jpg"))
	assert.FileExists(t, filepath.Join(params.SnapshotDir, "cleaned_mean_z_001.jpg"))
}

func TestCleanStageDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	vol := models.NewVolumeSeries(2, 2, 3, 10, [4]float64{1, 1, 1, 1})
	ev := models.NewVolumeSeries(1, 1, 2, 10, [4]float64{1, 1, 1, 1})
	volPath := filepath.Join(dir, "func.nii")
	evPath := filepath.Join(dir, "ev001.nii")
	require.NoError(t, nifti.WriteVolume(vol, volPath))
	require.NoError(t, nifti.WriteVolume(ev, evPath))

	params := &Params{
		Subject:        "sub-03",
		VolumeFile:     volPath,
		RegressorFiles: []string{evPath},
		OutputFile:     filepath.Join(dir, "func_clean.nii"),
	}
	err := newTestPipeline(params).Process(context.Background())
	assert.ErrorIs(t, err, pnmerr.ErrDimensionMismatch)
	assert.NoFileExists(t, params.OutputFile)
}

func TestProcessNothingToDo(t *testing.T) {
	assert.Error(t, newTestPipeline(&Params{}).Process(context.Background()))
}

func TestProcessCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestPipeline(triggerParams(t.TempDir())).Process(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
