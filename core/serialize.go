package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameMagic marks an encoded Frame ("DNCS" little-endian).
const FrameMagic uint32 = 0x53434E44

// FrameVersion is the current frame layout version.
const FrameVersion uint16 = 1

// Errors returned while decoding frames.
var (
	ErrBadMagic   = errors.New("frame: bad magic number")
	ErrBadVersion = errors.New("frame: unsupported version")
	ErrTruncated  = errors.New("frame: truncated data")
)

// Frame is a self-describing container of float32 sections.
// Layout: [magic(4)][version(2)][ndims(2)][dims(4*ndims)]
// [nsections(2)]{[len(4)][float32 * len]}
// [nindices(4)][int32 * nindices]
type Frame struct {
	Dims     []uint32
	Sections [][]float32
	Indices  []int32
}

// MarshalBinary encodes the frame.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Dims) > math.MaxUint16 || len(f.Sections) > math.MaxUint16 {
		return nil, errors.New("frame: too many dims or sections")
	}

	size := 4 + 2 + 2 + 4*len(f.Dims) + 2 + 4
	for _, s := range f.Sections {
		size += 4 + 4*len(s)
	}
	size += 4 * len(f.Indices)

	buf := bytes.NewBuffer(make([]byte, 0, size))
	le := binary.LittleEndian

	// Header
	buf.Write(le.AppendUint32(nil, FrameMagic))
	buf.Write(le.AppendUint16(nil, FrameVersion))
	buf.Write(le.AppendUint16(nil, uint16(len(f.Dims))))
	for _, d := range f.Dims {
		buf.Write(le.AppendUint32(nil, d))
	}

	// Sections
	buf.Write(le.AppendUint16(nil, uint16(len(f.Sections))))
	for _, s := range f.Sections {
		buf.Write(le.AppendUint32(nil, uint32(len(s))))
		buf.Write(EncodeFloats(s))
	}

	// Indices
	buf.Write(le.AppendUint32(nil, uint32(len(f.Indices))))
	for _, idx := range f.Indices {
		buf.Write(le.AppendUint32(nil, uint32(idx)))
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a frame produced by MarshalBinary.
func (f *Frame) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	le := binary.LittleEndian

	var magic uint32
	if err := binary.Read(r, le, &magic); err != nil {
		return fmt.Errorf("%w: header", ErrTruncated)
	}
	if magic != FrameMagic {
		return ErrBadMagic
	}
	var version uint16
	if err := binary.Read(r, le, &version); err != nil {
		return fmt.Errorf("%w: version", ErrTruncated)
	}
	if version != FrameVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	var ndims uint16
	if err := binary.Read(r, le, &ndims); err != nil {
		return fmt.Errorf("%w: dims", ErrTruncated)
	}
	dims := make([]uint32, ndims)
	if err := binary.Read(r, le, dims); err != nil {
		return fmt.Errorf("%w: dims", ErrTruncated)
	}

	var nsections uint16
	if err := binary.Read(r, le, &nsections); err != nil {
		return fmt.Errorf("%w: sections", ErrTruncated)
	}
	sections := make([][]float32, nsections)
	for i := range sections {
		var n uint32
		if err := binary.Read(r, le, &n); err != nil {
			return fmt.Errorf("%w: section %d", ErrTruncated, i)
		}
		if int64(n)*4 > int64(r.Len()) {
			return fmt.Errorf("%w: section %d", ErrTruncated, i)
		}
		raw := make([]byte, int(n)*4)
		if _, err := io.ReadFull(r, raw); err != nil {
			return fmt.Errorf("%w: section %d", ErrTruncated, i)
		}
		s, err := DecodeFloats(raw)
		if err != nil {
			return err
		}
		sections[i] = s
	}

	var nidx uint32
	if err := binary.Read(r, le, &nidx); err != nil {
		return fmt.Errorf("%w: indices", ErrTruncated)
	}
	if int64(nidx)*4 > int64(r.Len()) {
		return fmt.Errorf("%w: indices", ErrTruncated)
	}
	indices := make([]int32, nidx)
	if err := binary.Read(r, le, indices); err != nil {
		return fmt.Errorf("%w: indices", ErrTruncated)
	}
	if r.Len() != 0 {
		return fmt.Errorf("frame: %d trailing bytes", r.Len())
	}

	f.Dims = dims
	f.Sections = sections
	f.Indices = indices
	return nil
}

// EncodeFloats converts a slice of float32 to a byte slice using LittleEndian encoding.
func EncodeFloats(f []float32) []byte {
	result := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(result[i*4:], math.Float32bits(v))
	}
	return result
}

// DecodeFloats converts a byte slice to a float32 slice using LittleEndian encoding.
// Returns an error if the byte slice length is not a multiple of 4.
func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d not multiple of 4", len(b))
	}
	result := make([]float32, len(b)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return result, nil
}
