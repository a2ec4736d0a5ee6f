package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// ReadVolume loads a 3D or 4D NIfTI-1 image. Intensities are scaled by
// scl_slope/scl_inter when set and the spacing pixdim[1..4] becomes Scale.
func ReadVolume(path string) (*models.VolumeSeries, error) {
	const op = "read volume"
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pnmerr.MissingResource(op, path, err)
		}
		return nil, fmt.Errorf("error opening volume: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, pnmerr.Wrap(pnmerr.ErrParse, op, fmt.Errorf("%s: %w", path, err))
		}
		defer gz.Close()
		r = gz
	}

	v, err := decode(r)
	if err != nil {
		return nil, pnmerr.Wrap(pnmerr.ErrParse, op, fmt.Errorf("%s: %w", path, err))
	}
	return v, nil
}

func decode(r io.Reader) (*models.VolumeSeries, error) {
	h, order, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h); err != nil {
		return nil, err
	}

	offset := int64(h.VoxOffset)
	if offset < headerSize {
		offset = headerSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-hdrLen); err != nil {
		return nil, fmt.Errorf("file has fewer bytes than offset requires: %w", err)
	}

	nx, ny, nz, nt := h.dims()
	scale := [4]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3]), float64(h.Pixdim[4])}
	v := models.NewVolumeSeries(nx, ny, nz, nt, scale)
	if err := readData(r, order, h.Datatype, v.Data); err != nil {
		return nil, err
	}

	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		m, b := float64(h.SclSlope), float64(h.SclInter)
		for i, d := range v.Data {
			v.Data[i] = m*d + b
		}
	}
	return v, nil
}

func readData(r io.Reader, order binary.ByteOrder, datatype int16, dst []float64) error {
	n := len(dst)
	var err error
	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, d := range buf {
				dst[i] = float64(d)
			}
		}
	case DTInt16:
		buf := make([]int16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, d := range buf {
				dst[i] = float64(d)
			}
		}
	case DTUint16:
		buf := make([]uint16, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, d := range buf {
				dst[i] = float64(d)
			}
		}
	case DTInt32:
		buf := make([]int32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, d := range buf {
				dst[i] = float64(d)
			}
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err = binary.Read(r, order, buf); err == nil {
			for i, d := range buf {
				dst[i] = float64(d)
			}
		}
	case DTFloat64:
		err = binary.Read(r, order, dst)
	default:
		return fmt.Errorf("unsupported datatype %d", datatype)
	}
	if err != nil {
		return fmt.Errorf("error reading voxel data: %w", err)
	}
	return nil
}

// WriteVolume stores v as a float32 NIfTI-1 image. Paths ending in .gz are
// gzip compressed. The file is written under a temporary name and renamed
// into place, so a failed write leaves no output behind.
func WriteVolume(v *models.VolumeSeries, path string) error {
	if err := v.Validate(); err != nil {
		return err
	}
	for _, d := range []int{v.NX, v.NY, v.NZ, v.NT} {
		if d > math.MaxInt16 {
			return fmt.Errorf("dimension %d exceeds the nifti-1 limit", d)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("error creating volume file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, v, strings.HasSuffix(path, ".gz")); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing volume: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing volume: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func encode(w io.Writer, v *models.VolumeSeries, compress bool) error {
	bw := bufio.NewWriter(w)
	var out io.Writer = bw
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(bw)
		out = gz
	}

	h := newFloatHeader(v.NX, v.NY, v.NZ, v.NT, v.Scale)
	if err := binary.Write(out, binary.LittleEndian, &h); err != nil {
		return err
	}
	// no extensions
	if _, err := out.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	data := make([]float32, len(v.Data))
	for i, d := range v.Data {
		data[i] = float32(d)
	}
	if err := binary.Write(out, binary.LittleEndian, data); err != nil {
		return err
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadRegressor loads one explanatory variable image and returns its
// slice x time values. Regressor images hold one value per slice and
// timepoint; the value of voxel (0, 0, z, t) is used.
func ReadRegressor(path string) ([][]float64, error) {
	v, err := ReadVolume(path)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, v.NZ)
	for z := range out {
		out[z] = make([]float64, v.NT)
		for t := range out[z] {
			out[z][t] = v.At(0, 0, z, t)
		}
	}
	return out, nil
}

// ReadRegressors loads each EV image in order and assembles the regressor matrix.
func ReadRegressors(paths []string) (*models.RegressorMatrix, error) {
	if len(paths) == 0 {
		return nil, errors.New("no regressor files given")
	}
	perEV := make([][][]float64, len(paths))
	for i, p := range paths {
		arr, err := ReadRegressor(p)
		if err != nil {
			return nil, err
		}
		perEV[i] = arr
	}
	rm, err := models.AssembleRegressors(perEV)
	if err != nil {
		return nil, pnmerr.Wrap(pnmerr.ErrDimensionMismatch, "read regressors", err)
	}
	return rm, nil
}
