// Package nifti reads and writes single-file NIfTI-1 images (.nii, .nii.gz)
// as VolumeSeries, and reads regressor images produced by external toolboxes.
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Header defines the structure of the NIfTI-1 header.
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]byte   // Unused
	UnusedDbName       [18]byte   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      byte       // Unused
	DimInfo            byte       // MRI slice ordering
	Dim                [8]int16   // Data array dimensions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          byte       // Slice timing order
	XyztUnits          byte       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]byte   // Any text you like
	AuxFile            [24]byte   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]byte   // 'name' or meaning of data
	Magic              [4]byte    // Must be "n+1\0" for single files
}

const (
	headerSize = 352 // header plus the 4 byte extension flag
	hdrLen     = 348
)

// Datatype codes supported by this package.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTUint16  = 512
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// decodeHeader reads the header and detects its byte order from sizeof_hdr.
func decodeHeader(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("error reading header: %w", err)
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("error decoding header: %w", err)
	}
	if h.SizeofHdr != hdrLen {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("error decoding header: %w", err)
		}
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.SizeofHdr != hdrLen:
		return fmt.Errorf("invalid header size %d for nifti-1", h.SizeofHdr)
	case h.Magic != magicSingle:
		return fmt.Errorf("invalid file magic %q, data must be stored in same file as header", h.Magic[:])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0] = %d is not in range [1, 7]", h.Dim[0])
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d] = %d must be positive", i, h.Dim[i])
		}
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] != 1 {
			return fmt.Errorf("images with more than 4 dimensions are not supported (dim[%d] = %d)", i, h.Dim[i])
		}
	}
	return nil
}

// dims returns nx, ny, nz, nt with absent axes set to 1.
func (h Header) dims() (int, int, int, int) {
	d := [4]int{1, 1, 1, 1}
	for i := 0; i < 4 && i < int(h.Dim[0]); i++ {
		d[i] = int(h.Dim[i+1])
	}
	return d[0], d[1], d[2], d[3]
}

func newFloatHeader(nx, ny, nz, nt int, scale [4]float64) Header {
	h := Header{
		SizeofHdr: hdrLen,
		Dim:       [8]int16{4, int16(nx), int16(ny), int16(nz), int16(nt), 1, 1, 1},
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: headerSize,
		SclSlope:  1,
		XyztUnits: 2 | 8, // mm, seconds
		Magic:     magicSingle,
	}
	h.Pixdim[0] = 1
	for i, s := range scale {
		h.Pixdim[i+1] = float32(s)
	}
	copy(h.Descrip[:], "pnmdenoise")
	return h
}
