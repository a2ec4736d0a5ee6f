package models

import "fmt"

// ChannelLabel names the physiological role of a trace.
type ChannelLabel string

const (
	Heartbeat   ChannelLabel = "Heartbeat"
	Respiration ChannelLabel = "Respiration"
)

// TriggerMarker is the value written at every trigger position.
const TriggerMarker = 1.0

// PhysiologicalTrace is one PMU channel with its sentinel codes removed
type PhysiologicalTrace struct {
	// Channel identifies the recording, usually the source file name
	Channel string

	// SamplingRate is the sample rate in Hz
	SamplingRate float64

	// StartMs and StopMs are the logged start and stop times in ms since midnight
	StartMs int64
	StopMs  int64

	// Samples holds physiological amplitudes only
	Samples []float64
}

// SamplePeriodMs returns the spacing between samples in milliseconds.
func (p *PhysiologicalTrace) SamplePeriodMs() float64 {
	return 1000 / p.SamplingRate
}

// Len returns the number of samples.
func (p *PhysiologicalTrace) Len() int {
	return len(p.Samples)
}

// WithSamples returns a copy of the trace metadata carrying the given samples.
func (p *PhysiologicalTrace) WithSamples(samples []float64) *PhysiologicalTrace {
	out := *p
	out.Samples = samples
	return &out
}

// AcquisitionTimeline describes when the scanner acquired its volumes
type AcquisitionTimeline struct {
	// StartMs is the acquisition start in ms since midnight
	StartMs int64

	// TRMs is the repetition time in ms
	TRMs float64

	// Volumes is the total number of acquired volumes
	Volumes int
}

// Validate checks the timeline invariants.
func (a AcquisitionTimeline) Validate() error {
	if a.TRMs <= 0 {
		return fmt.Errorf("repetition time must be positive, got %g ms", a.TRMs)
	}
	if a.Volumes < 0 {
		return fmt.Errorf("volume count must be non-negative, got %d", a.Volumes)
	}
	return nil
}

// TriggerArray is zero everywhere except at volume acquisition samples.
type TriggerArray []float64

// Positions returns the 1-based indices of all non-zero entries.
func (t TriggerArray) Positions() []int {
	var pos []int
	for i, v := range t {
		if v != 0 {
			pos = append(pos, i+1)
		}
	}
	return pos
}
