package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"pnmdenoise/internal/models"
)

// rampVolume returns a volume whose value at (x, y, z, t) is z + 10*t
func rampVolume(width, height, depth, frames int) *models.VolumeSeries {
	v := models.NewVolumeSeries(width, height, depth, frames, [4]float64{1, 1, 1, 1})
	for t := 0; t < frames; t++ {
		for z := 0; z < depth; z++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					v.Set(x, y, z, t, float64(z+10*t))
				}
			}
		}
	}
	return v
}

// TestNewViewer verifies timepoint selection and range checks
func TestNewViewer(t *testing.T) {
	vol := rampVolume(6, 4, 5, 3)

	viewer, err := NewViewer(vol, 2)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	if viewer.lo != 20 || viewer.hi != 24 {
		t.Errorf("Expected range [20, 24], got [%g, %g]", viewer.lo, viewer.hi)
	}
	if viewer.width != 6 || viewer.height != 4 || viewer.depth != 5 {
		t.Errorf("Unexpected dimensions %dx%dx%d", viewer.width, viewer.height, viewer.depth)
	}

	if _, err := NewViewer(vol, 3); err == nil {
		t.Error("Expected error for out of range timepoint, got nil")
	}
}

// TestExtractSlice verifies that slices are correctly extracted and normalized
func TestExtractSlice(t *testing.T) {
	width, height, depth := 6, 4, 5
	viewer, err := NewViewer(rampVolume(width, height, depth, 1), 0)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		want := uint16(z * 65535 / (depth - 1))
		got := gray.Gray16At(width/2, height/2).Y
		if diff := int(got) - int(want); diff > 1 || diff < -1 {
			t.Errorf("Expected Z slice value ~%d, got %d", want, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", 1)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", 1)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestMeanImage verifies the temporal mean
func TestMeanImage(t *testing.T) {
	mean := MeanImage(rampVolume(2, 2, 3, 4))
	if mean.NT != 1 {
		t.Fatalf("Expected a single timepoint, got %d", mean.NT)
	}
	// mean over t of z + 10*t for t = 0..3 is z + 15
	for z := 0; z < 3; z++ {
		if got := mean.At(1, 1, z, 0); got != float64(z)+15 {
			t.Errorf("Expected mean %g at z=%d, got %g", float64(z)+15, z, got)
		}
	}
}

// TestSaveSliceSequence verifies that one file is written per slice
func TestSaveSliceSequence(t *testing.T) {
	viewer, err := NewViewer(rampVolume(4, 4, 3, 1), 0)
	if err != nil {
		t.Fatalf("Failed to create viewer: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "qc")
	if err := viewer.SaveSliceSequence("z", dir, "mean"); err != nil {
		t.Fatalf("Failed to save slices: %v", err)
	}

	for pos := 0; pos < 3; pos++ {
		name := filepath.Join(dir, "mean_z_00"+string(rune('0'+pos))+".jpg")
		if _, err := os.Stat(name); err != nil {
			t.Errorf("Expected slice file %s: %v", name, err)
		}
	}

	if err := viewer.SaveSliceSequence("w", dir, "mean"); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
