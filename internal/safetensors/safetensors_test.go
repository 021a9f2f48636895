package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/born-ml/ug/internal/tensor"
)

func sampleTensors(t *testing.T) []Tensor {
	t.Helper()
	w, err := NewTensor("weight", tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	b, err := NewTensor("bias", tensor.Shape{3}, []int64{-1, 0, 1})
	require.NoError(t, err)
	h, err := NewTensor("half", tensor.Shape{2}, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2)})
	require.NoError(t, err)
	return []Tensor{w, b, h}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.safetensors")
	meta := map[string]string{"format": "ug"}
	require.NoError(t, Write(path, sampleTensors(t), meta))

	tensors, gotMeta, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	require.Len(t, tensors, 3)
	assert.Equal(t, []string{"bias", "half", "weight"}, []string{tensors[0].Name, tensors[1].Name, tensors[2].Name})

	w, err := Values[float32](tensors[2])
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w)
	assert.Equal(t, tensor.Shape{2, 3}, tensors[2].Shape)

	b, err := Values[int64](tensors[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 0, 1}, b)

	h, err := Values[float16.Float16](tensors[1])
	require.NoError(t, err)
	assert.InDelta(t, -2.0, float64(h[1].Float32()), 0)
}

func TestOpenMmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmap.safetensors")
	require.NoError(t, Write(path, sampleTensors(t), nil))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Nil(t, f.Metadata())
	assert.Equal(t, []string{"bias", "half", "weight"}, f.Names())

	w, err := f.Tensor("weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.F32, w.DType)
	vals, err := Values[float32](w)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, vals)

	_, err = f.Tensor("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err = f.Tensor("weight")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeaderIsPadded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(t), map[string]string{"k": "v"}))
	n := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, n%8)
}

func TestValuesDTypeMismatch(t *testing.T) {
	ts := sampleTensors(t)
	_, err := Values[int32](ts[0])
	assert.ErrorIs(t, err, tensor.ErrDTypeMismatch)
}

func TestEncodeRejects(t *testing.T) {
	good := sampleTensors(t)[0]
	tests := []struct {
		name    string
		tensors []Tensor
		kind    error
	}{
		{"path name", []Tensor{{Name: "../w", DType: tensor.F32, Shape: tensor.Shape{1}, Data: make([]byte, 4)}}, ErrInvalidName},
		{"empty name", []Tensor{{Name: "", DType: tensor.F32, Shape: tensor.Shape{1}, Data: make([]byte, 4)}}, ErrInvalidName},
		{"reserved name", []Tensor{{Name: metadataKey, DType: tensor.F32, Shape: tensor.Shape{1}, Data: make([]byte, 4)}}, ErrInvalidName},
		{"duplicate", []Tensor{good, good}, ErrInvalidName},
		{"short data", []Tensor{{Name: "w", DType: tensor.F32, Shape: tensor.Shape{2}, Data: make([]byte, 4)}}, tensor.ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Encode(&bytes.Buffer{}, tt.tensors, nil)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func rawFile(header string, data []byte) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	out = append(out, header...)
	return append(out, data...)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		file []byte
		kind error
	}{
		{"truncated", []byte{1, 2, 3}, ErrTruncated},
		{"header past end", rawFile("{}", nil)[:9], ErrTruncated},
		{
			"out of bounds",
			rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)),
			ErrOutOfBounds,
		},
		{
			"overlap",
			rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"b":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, make([]byte, 8)),
			ErrOffsetOverlap,
		},
		{
			"size disagrees with shape",
			rawFile(`{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)),
			tensor.ErrShape,
		},
		{
			"unknown dtype",
			rawFile(`{"a":{"dtype":"F64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8)),
			tensor.ErrDType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.file)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestParseValidationErrorDetails(t *testing.T) {
	file := rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]},"b":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, make([]byte, 8))
	_, err := Parse(file)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "a", ve.Tensor)
	assert.Equal(t, "b", ve.Tensor2)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.safetensors"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScalarAndEmptyTensors(t *testing.T) {
	s, err := NewTensor("scalar", tensor.Shape{}, []int32{7})
	require.NoError(t, err)
	e := Tensor{Name: "empty", DType: tensor.F32, Shape: tensor.Shape{0, 4}}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []Tensor{s, e}, nil))
	f, err := Parse(buf.Bytes())
	require.NoError(t, err)

	got, err := f.Tensor("scalar")
	require.NoError(t, err)
	vals, err := Values[int32](got)
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, vals)

	got, err = f.Tensor("empty")
	require.NoError(t, err)
	assert.Zero(t, got.NumElements())
	assert.Empty(t, got.Data)
}
