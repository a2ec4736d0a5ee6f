// Package visualization exports quality-control snapshots of volume series.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"pnmdenoise/internal/models"
)

// Viewer renders one timepoint of a volume series as grayscale slices.
// Intensities are mapped linearly from the frame's [min, max] to [0, 65535].
type Viewer struct {
	// frame holds the NX*NY*NZ voxels of the selected timepoint
	frame []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity range used for normalization
	lo, hi float64
}

// NewViewer creates a viewer over timepoint t of v.
//
// Parameters:
//   - v: The volume series to render
//   - t: The timepoint to render, 0 <= t < v.NT
//
// Returns:
//   - A viewer, or an error if t is out of range
func NewViewer(v *models.VolumeSeries, t int) (*Viewer, error) {
	if t < 0 || t >= v.NT {
		return nil, fmt.Errorf("timepoint %d out of range [0, %d)", t, v.NT)
	}
	n := v.NX * v.NY * v.NZ
	frame := v.Data[t*n : (t+1)*n]
	return &Viewer{
		frame:  frame,
		width:  v.NX,
		height: v.NY,
		depth:  v.NZ,
		lo:     floats.Min(frame),
		hi:     floats.Max(frame),
	}, nil
}

// MeanImage returns a single-timepoint volume holding each voxel's temporal mean.
func MeanImage(v *models.VolumeSeries) *models.VolumeSeries {
	n := v.NX * v.NY * v.NZ
	out := models.NewVolumeSeries(v.NX, v.NY, v.NZ, 1, v.Scale)
	for t := 0; t < v.NT; t++ {
		floats.Add(out.Data, v.Data[t*n:(t+1)*n])
	}
	floats.Scale(1/float64(v.NT), out.Data)
	return out
}

func (v *Viewer) gray(val float64) color.Gray16 {
	if v.hi == v.lo {
		return color.Gray16{Y: 0}
	}
	norm := (val - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, norm)) * 65535))}
}

func (v *Viewer) at(x, y, z int) float64 {
	return v.frame[x+v.width*(y+v.height*z)]
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.at(position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.at(x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(v.at(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
// Files are named <prefix>_<axis>_<position>.jpg.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.jpg", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
