// Package trigger aligns two independently clocked physiological traces to
// each other and to the scan start, and marks the sample at which each
// imaging volume was acquired.
package trigger

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/acquisition"
	"pnmdenoise/pkg/pnmerr"
)

// Stream names one of the two inputs of Synchronize.
type Stream string

const (
	StreamNone Stream = ""
	StreamA    Stream = "A"
	StreamB    Stream = "B"
)

// Options controls trigger placement.
type Options struct {
	// NumberOfTriggers is the number of trigger marks to place. It is always
	// supplied by the caller, see TriggersFromVolumes.
	NumberOfTriggers int

	// Marker is the value written at trigger positions. Default: models.TriggerMarker.
	Marker float64

	// Subject is attached to log entries.
	Subject string

	// Logger receives warnings. Default: logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (o Options) logger() logrus.FieldLogger {
	log := o.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if o.Subject != "" {
		log = log.WithField("subject", o.Subject)
	}
	return log
}

// TriggersFromVolumes returns the number of trigger marks for a scan with
// the given number of volumes: one per volume.
func TriggersFromVolumes(volumes int) int {
	if volumes < 0 {
		return 0
	}
	return volumes
}

// Result holds the aligned traces and the trigger array. A, B and Triggers
// always have the same length.
type Result struct {
	A, B     *models.PhysiologicalTrace
	Triggers models.TriggerArray

	// LeadTrim samples were removed from the head of LeadTrimmed
	LeadTrim    int
	LeadTrimmed Stream

	// TailTrimA and TailTrimB are the samples removed from each tail
	TailTrimA, TailTrimB int

	// Inter is the sample offset of the scan start relative to the aligned start
	Inter int

	// PointsPerTR is the number of samples per repetition time
	PointsPerTR float64

	// Positions are the 1-based trigger positions that fell inside the array
	Positions []int

	// Skipped counts trigger positions that fell outside the array
	Skipped int

	// Warnings lists non-fatal problems in the order they occurred
	Warnings []string

	// MissingCount is set when the volume count source was unavailable and
	// no triggers were placed. Callers that need real triggers should treat
	// it as fatal.
	MissingCount error
}

func (r *Result) warn(log logrus.FieldLogger, fields logrus.Fields, msg string) {
	r.Warnings = append(r.Warnings, msg)
	log.WithFields(fields).Warn(msg)
}

// Synchronize aligns a and b and places opts.NumberOfTriggers trigger marks.
//
// The later-starting trace is the reference; the same physical instant is
// cut from the head of the other trace. The longer of the two remaining
// traces is then cut at its tail to the length of the shorter one, so the
// shorter length always wins and traces of equal length are never cut.
// The stop timestamps do not change the cut: when they do not account for
// it (the cut trace did not stop later by the same number of samples) a
// length mismatch warning is recorded. When the lengths tie nothing is cut,
// whatever the stop timestamps say.
//
// Trigger x (for x = 1..NumberOfTriggers) sits at the 1-based position
// Inter + 1 + round(PointsPerTR * x), so the first mark lands one TR after
// the scan start. Counting from x = 1 is what puts the marks of a scan
// starting 5 samples in, at 100 samples per TR, on 106, 206, ..., 906.
// Positions outside the array are skipped. The inputs are never modified.
func Synchronize(a, b *models.PhysiologicalTrace, timeline models.AcquisitionTimeline, opts Options) (*Result, error) {
	const op = "synchronize"
	log := opts.logger()

	if a == nil || b == nil || a.Len() == 0 || b.Len() == 0 {
		return nil, pnmerr.Alignmentf(op, "empty trace")
	}
	if a.SamplingRate <= 0 || b.SamplingRate <= 0 {
		return nil, pnmerr.Alignmentf(op, "sampling rate must be positive")
	}
	if a.SamplingRate != b.SamplingRate {
		return nil, pnmerr.Alignmentf(op, "sampling rates differ: %g Hz vs %g Hz",
			a.SamplingRate, b.SamplingRate)
	}
	if err := timeline.Validate(); err != nil {
		return nil, pnmerr.Wrap(pnmerr.ErrAlignment, op, err)
	}
	if opts.NumberOfTriggers < 0 {
		return nil, pnmerr.Alignmentf(op, "negative trigger count %d", opts.NumberOfTriggers)
	}
	marker := opts.Marker
	if marker == 0 {
		marker = models.TriggerMarker
	}

	period := a.SamplePeriodMs()
	res := &Result{PointsPerTR: timeline.TRMs / period}

	// leading alignment
	sa, sb := a.Samples, b.Samples
	offsetMs := a.StartMs - b.StartMs
	res.LeadTrim = toSamples(absInt64(offsetMs), period)
	laterStart := a.StartMs
	switch {
	case offsetMs > 0:
		res.LeadTrimmed = StreamB
	case offsetMs < 0:
		res.LeadTrimmed = StreamA
		laterStart = b.StartMs
	}
	switch res.LeadTrimmed {
	case StreamA:
		if res.LeadTrim >= len(sa) {
			return nil, pnmerr.Alignmentf(op, "leading trim of %d samples exceeds %s (%d samples)",
				res.LeadTrim, a.Channel, len(sa))
		}
		sa = sa[res.LeadTrim:]
	case StreamB:
		if res.LeadTrim >= len(sb) {
			return nil, pnmerr.Alignmentf(op, "leading trim of %d samples exceeds %s (%d samples)",
				res.LeadTrim, b.Channel, len(sb))
		}
		sb = sb[res.LeadTrim:]
	}
	res.Inter = int(math.Round(float64(timeline.StartMs-laterStart) / period))

	// trailing alignment: the longer trace is cut to the shorter one
	tail := trailingTrim(a, b, len(sa), len(sb), period)
	if tail.Stream != StreamNone && !tail.Expected {
		res.warn(log, logrus.Fields{
			"stream_a": a.Channel, "stream_b": b.Channel, "len_a": len(sa), "len_b": len(sb),
		}, fmt.Sprintf("length mismatch after alignment: %d vs %d samples, using the shorter", len(sa), len(sb)))
	}
	switch tail.Stream {
	case StreamA:
		res.TailTrimA = tail.Samples
		sa = sa[:len(sb)]
	case StreamB:
		res.TailTrimB = tail.Samples
		sb = sb[:len(sa)]
	}

	res.A = a.WithSamples(cloneSamples(sa))
	res.B = b.WithSamples(cloneSamples(sb))
	res.Triggers, res.Positions, res.Skipped = placeTriggers(len(sa), res.Inter, res.PointsPerTR,
		opts.NumberOfTriggers, marker)

	log.WithFields(logrus.Fields{
		"samples":      len(sa),
		"lead_trim":    res.LeadTrim,
		"lead_trimmed": string(res.LeadTrimmed),
		"inter":        res.Inter,
		"points_tr":    res.PointsPerTR,
		"triggers":     len(res.Positions),
		"skipped":      res.Skipped,
	}).Debug("synchronized traces")

	return res, nil
}

// SynchronizeWithCount reads the trigger count from the volume count file at
// countPath and calls Synchronize. A missing file is not fatal: zero
// triggers are placed and Result.MissingCount is set.
func SynchronizeWithCount(a, b *models.PhysiologicalTrace, timeline models.AcquisitionTimeline, countPath string, opts Options) (*Result, error) {
	volumes, err := acquisition.ReadVolumeCount(countPath)
	var missing error
	switch {
	case err == nil:
		opts.NumberOfTriggers = TriggersFromVolumes(volumes)
	case errors.Is(err, pnmerr.ErrMissingResource):
		missing = err
		opts.NumberOfTriggers = 0
	default:
		return nil, err
	}

	res, err := Synchronize(a, b, timeline, opts)
	if err != nil {
		return nil, err
	}
	if missing != nil {
		res.MissingCount = missing
		res.warn(opts.logger(), logrus.Fields{"path": countPath},
			fmt.Sprintf("volume count unavailable, no triggers placed: %v", missing))
	}
	return res, nil
}

// tailTrim describes the trailing cut of Synchronize.
type tailTrim struct {
	// Stream is the trace to cut, StreamNone for equal lengths
	Stream Stream

	// Samples is the number of samples removed from Stream
	Samples int

	// Expected is set when the stop timestamps account for the cut: Stream
	// stopped later by round(|stopA - stopB| / period) samples.
	Expected bool
}

// trailingTrim picks the trace to cut from the aligned lengths. The stop
// timestamps only decide whether the cut is expected.
func trailingTrim(a, b *models.PhysiologicalTrace, lenA, lenB int, period float64) tailTrim {
	var t tailTrim
	var laterStop bool
	switch {
	case lenA > lenB:
		t = tailTrim{Stream: StreamA, Samples: lenA - lenB}
		laterStop = a.StopMs > b.StopMs
	case lenB > lenA:
		t = tailTrim{Stream: StreamB, Samples: lenB - lenA}
		laterStop = b.StopMs > a.StopMs
	default:
		return t
	}
	t.Expected = laterStop && toSamples(absInt64(a.StopMs-b.StopMs), period) == t.Samples
	return t
}

// placeTriggers returns a zeroed array of length n with marker written at
// each in-bounds trigger position.
func placeTriggers(n, inter int, pointsPerTR float64, count int, marker float64) (models.TriggerArray, []int, int) {
	trig := make(models.TriggerArray, n)
	var positions []int
	skipped := 0
	for x := 1; x <= count; x++ {
		pos := inter + 1 + int(math.Round(pointsPerTR*float64(x)))
		if pos < 1 || pos > n {
			skipped++
			continue
		}
		trig[pos-1] = marker
		positions = append(positions, pos)
	}
	return trig, positions, skipped
}

func toSamples(ms int64, period float64) int {
	return int(math.Round(float64(ms) / period))
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func cloneSamples(s []float64) []float64 {
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
