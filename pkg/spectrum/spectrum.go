// Package spectrum finds the dominant oscillation of a physiological trace
// and labels it as cardiac or respiratory.
package spectrum

import (
	"math/cmplx"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// RespirationCutoffHz separates respiratory (0.1-0.5 Hz) from cardiac
// (0.8-2 Hz) traces. Frequencies at or above the cutoff are cardiac.
const RespirationCutoffHz = 0.6

// PowerSpectrum returns the one-sided power spectrum of samples.
//
// The mean is removed first. Power is |X_k|^2 / N for bins k = 0..N/2,
// and freqs[k] = k * samplingRate / N.
func PowerSpectrum(samples []float64, samplingRate float64) (freqs, power []float64, err error) {
	n := len(samples)
	if n == 0 {
		return nil, nil, pnmerr.Alignmentf("power spectrum", "empty trace")
	}
	if samplingRate <= 0 {
		return nil, nil, pnmerr.Alignmentf("power spectrum", "sampling rate must be positive, got %g", samplingRate)
	}

	mean := stat.Mean(samples, nil)
	centered := make([]float64, n)
	for i, v := range samples {
		centered[i] = v - mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, centered)

	freqs = make([]float64, len(coeffs))
	power = make([]float64, len(coeffs))
	for k, c := range coeffs {
		a := cmplx.Abs(c)
		power[k] = a * a / float64(n)
		freqs[k] = float64(k) * samplingRate / float64(n)
	}
	return freqs, power, nil
}

// DominantFrequency returns the frequency of the bin with the highest power.
// Ties resolve to the lowest frequency. The result is quantized to
// samplingRate/N.
func DominantFrequency(samples []float64, samplingRate float64) (float64, error) {
	freqs, power, err := PowerSpectrum(samples, samplingRate)
	if err != nil {
		return 0, err
	}
	best := 0
	for k := 1; k < len(power); k++ {
		if power[k] > power[best] {
			best = k
		}
	}
	return freqs[best], nil
}

// Label applies the fixed respiration/heartbeat threshold.
func Label(freq float64) models.ChannelLabel {
	if freq < RespirationCutoffHz {
		return models.Respiration
	}
	return models.Heartbeat
}

// Classify returns the dominant frequency of samples and its channel label.
// No stationarity check is made; the segment should span several periods.
func Classify(samples []float64, samplingRate float64) (float64, models.ChannelLabel, error) {
	freq, err := DominantFrequency(samples, samplingRate)
	if err != nil {
		return 0, "", err
	}
	return freq, Label(freq), nil
}

// Roles records which of two traces is cardiac and which is respiratory.
type Roles struct {
	Cardiac     *models.PhysiologicalTrace
	Respiratory *models.PhysiologicalTrace

	CardiacHz     float64
	RespiratoryHz float64

	// Swapped is true when the second trace was found to be cardiac.
	Swapped bool
}

// AssignRoles classifies both traces. When both get the same label the
// trace with the higher dominant frequency is taken as cardiac.
func AssignRoles(a, b *models.PhysiologicalTrace, log logrus.FieldLogger) (*Roles, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fa, la, err := Classify(a.Samples, a.SamplingRate)
	if err != nil {
		return nil, err
	}
	fb, lb, err := Classify(b.Samples, b.SamplingRate)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"stream": a.Channel, "freq_hz": fa, "label": la,
	}).Info("classified trace")
	log.WithFields(logrus.Fields{
		"stream": b.Channel, "freq_hz": fb, "label": lb,
	}).Info("classified trace")

	swapped := false
	switch {
	case la == models.Heartbeat && lb == models.Respiration:
	case la == models.Respiration && lb == models.Heartbeat:
		swapped = true
	default:
		swapped = fb > fa
		log.WithFields(logrus.Fields{
			"label": la, "stream_a": a.Channel, "stream_b": b.Channel,
		}).Warn("both traces received the same label, using the faster one as cardiac")
	}

	if swapped {
		return &Roles{Cardiac: b, Respiratory: a, CardiacHz: fb, RespiratoryHz: fa, Swapped: true}, nil
	}
	return &Roles{Cardiac: a, Respiratory: b, CardiacHz: fa, RespiratoryHz: fb}, nil
}
