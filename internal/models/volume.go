package models

import "fmt"

// VolumeSeries is a 4D image stored as a flat array in x-fastest order:
// Data[x + NX*(y + NY*(z + NZ*t))]
type VolumeSeries struct {
	NX, NY, NZ, NT int

	// Data holds NX*NY*NZ*NT intensities
	Data []float64

	// Scale holds the per-axis spacing factors (x, y, z, t) of the source image.
	// They are carried through processing unchanged.
	Scale [4]float64
}

// NewVolumeSeries allocates a zero-filled volume.
func NewVolumeSeries(nx, ny, nz, nt int, scale [4]float64) *VolumeSeries {
	return &VolumeSeries{
		NX:    nx,
		NY:    ny,
		NZ:    nz,
		NT:    nt,
		Data:  make([]float64, nx*ny*nz*nt),
		Scale: scale,
	}
}

func (v *VolumeSeries) index(x, y, z, t int) int {
	return x + v.NX*(y+v.NY*(z+v.NZ*t))
}

// At returns the intensity of voxel (x, y, z) at timepoint t.
func (v *VolumeSeries) At(x, y, z, t int) float64 {
	return v.Data[v.index(x, y, z, t)]
}

// Set stores the intensity of voxel (x, y, z) at timepoint t.
func (v *VolumeSeries) Set(x, y, z, t int, val float64) {
	v.Data[v.index(x, y, z, t)] = val
}

// VoxelsPerSlice is the number of voxels in one z slice.
func (v *VolumeSeries) VoxelsPerSlice() int {
	return v.NX * v.NY
}

// Clone returns a deep copy.
func (v *VolumeSeries) Clone() *VolumeSeries {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// Validate checks that the data length matches the dimensions.
func (v *VolumeSeries) Validate() error {
	if v.NX <= 0 || v.NY <= 0 || v.NZ <= 0 || v.NT <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%dx%d", v.NX, v.NY, v.NZ, v.NT)
	}
	if len(v.Data) != v.NX*v.NY*v.NZ*v.NT {
		return fmt.Errorf("volume data has %d values, dimensions require %d",
			len(v.Data), v.NX*v.NY*v.NZ*v.NT)
	}
	return nil
}

// RegressorMatrix holds one time series per explanatory variable per slice,
// indexed (ev, slice, time).
type RegressorMatrix struct {
	EVs, Slices, Timepoints int
	Data                    []float64
}

// NewRegressorMatrix allocates a zero-filled regressor matrix.
func NewRegressorMatrix(evs, slices, timepoints int) *RegressorMatrix {
	return &RegressorMatrix{
		EVs:        evs,
		Slices:     slices,
		Timepoints: timepoints,
		Data:       make([]float64, evs*slices*timepoints),
	}
}

// At returns regressor ev for slice z at timepoint t.
func (r *RegressorMatrix) At(ev, z, t int) float64 {
	return r.Data[(ev*r.Slices+z)*r.Timepoints+t]
}

// Set stores regressor ev for slice z at timepoint t.
func (r *RegressorMatrix) Set(ev, z, t int, val float64) {
	r.Data[(ev*r.Slices+z)*r.Timepoints+t] = val
}

// AssembleRegressors stacks per-EV slice×time arrays into a RegressorMatrix.
// Every EV must have the same number of slices and timepoints.
func AssembleRegressors(perEV [][][]float64) (*RegressorMatrix, error) {
	if len(perEV) == 0 {
		return NewRegressorMatrix(0, 0, 0), nil
	}
	slices := len(perEV[0])
	timepoints := 0
	if slices > 0 {
		timepoints = len(perEV[0][0])
	}

	rm := NewRegressorMatrix(len(perEV), slices, timepoints)
	for ev, arr := range perEV {
		if len(arr) != slices {
			return nil, fmt.Errorf("EV %d has %d slices, expected %d", ev, len(arr), slices)
		}
		for z, series := range arr {
			if len(series) != timepoints {
				return nil, fmt.Errorf("EV %d slice %d has %d timepoints, expected %d",
					ev, z, len(series), timepoints)
			}
			for t, val := range series {
				rm.Set(ev, z, t, val)
			}
		}
	}
	return rm, nil
}
