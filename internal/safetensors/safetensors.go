// Package safetensors reads and writes host buffers in the SafeTensors
// format:
//
//	[8 bytes: header size N, little-endian uint64]
//	[N bytes: JSON header, space padded to a multiple of 8]
//	[tensor data: raw little-endian bytes]
//
// The header maps each tensor name to its dtype, shape and byte range
// relative to the start of the data section. The optional "__metadata__"
// entry holds free-form string pairs.
package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/born-ml/ug/internal/tensor"
)

const metadataKey = "__metadata__"

// Tensor is one named host buffer.
type Tensor struct {
	Name  string
	DType tensor.DType
	Shape tensor.Shape
	Data  []byte
}

// NewTensor encodes host values into a Tensor.
func NewTensor[T tensor.WithDType](name string, shape tensor.Shape, values []T) (Tensor, error) {
	if n := numElements(shape); n != len(values) {
		return Tensor{}, tensor.ShapeErrorf("safetensors: %d values for shape %v", len(values), shape)
	}
	return Tensor{Name: name, DType: tensor.DTypeOf[T](), Shape: shape.Clone(), Data: tensor.EncodeBytes(values)}, nil
}

// Values decodes the tensor data as host values of type T.
func Values[T tensor.WithDType](t Tensor) ([]T, error) {
	if want := tensor.DTypeOf[T](); want != t.DType {
		return nil, &tensor.TransferError{Op: "safetensors", Kind: tensor.ErrDTypeMismatch, Want: t.DType.String(), Got: want.String()}
	}
	return tensor.DecodeBytes[T](t.Data)
}

// NumElements returns the element count of the tensor's shape.
func (t Tensor) NumElements() int { return numElements(t.Shape) }

// Safetensors allows zero-sized dimensions, so Shape.NumElements is not
// used here.
func numElements(shape tensor.Shape) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

var dtypeNames = map[tensor.DType]string{
	tensor.F16:  "F16",
	tensor.BF16: "BF16",
	tensor.F32:  "F32",
	tensor.I32:  "I32",
	tensor.I64:  "I64",
}

// DTypeName returns the header spelling of dt.
func DTypeName(dt tensor.DType) string {
	if s, ok := dtypeNames[dt]; ok {
		return s
	}
	return dt.String()
}

// ParseDTypeName maps a header dtype to a DType.
func ParseDTypeName(s string) (tensor.DType, error) {
	for dt, name := range dtypeNames {
		if name == s {
			return dt, nil
		}
	}
	return 0, tensor.DTypeErrorf("safetensors: unsupported dtype %q", s)
}

type entry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Encode writes tensors and metadata to w. Tensor data is laid out in name
// order.
func Encode(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for i, t := range sorted {
		if err := ValidateName(t.Name); err != nil {
			return err
		}
		if i > 0 && sorted[i-1].Name == t.Name {
			return &ValidationError{Kind: ErrInvalidName, Tensor: t.Name, Details: "duplicate name"}
		}
		if _, ok := dtypeNames[t.DType]; !ok {
			return tensor.DTypeErrorf("safetensors: tensor %q has unsupported dtype %s", t.Name, t.DType)
		}
		if want := t.NumElements() * t.DType.Size(); want != len(t.Data) {
			return tensor.ShapeErrorf("safetensors: tensor %q: shape %v needs %d bytes, has %d",
				t.Name, t.Shape, want, len(t.Data))
		}
		shape := make([]int64, len(t.Shape))
		for j, d := range t.Shape {
			shape[j] = int64(d)
		}
		end := offset + int64(len(t.Data))
		header[t.Name] = entry{DType: DTypeName(t.DType), Shape: shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, t := range sorted {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("failed to write tensor %q: %w", t.Name, err)
		}
	}
	return nil
}

// Write stores tensors and metadata in a new file at path.
func Write(path string, tensors []Tensor, metadata map[string]string) (err error) {
	//nolint:gosec // G304: output path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", closeErr)
		}
	}()

	w := bufio.NewWriter(f)
	if err := Encode(w, tensors, metadata); err != nil {
		return err
	}
	return w.Flush()
}

// File is a parsed SafeTensors file. Tensor data aliases the file contents;
// for files returned by Open it is read-only and valid until Close.
type File struct {
	data     []byte
	file     *os.File
	metadata map[string]string
	tensors  []Tensor
	byName   map[string]int
	closed   bool
}

// Parse decodes a complete SafeTensors image held in memory.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes, header size needs 8", ErrTruncated, len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, headerSize)
	}
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("%w: header of %d bytes, file has %d", ErrTruncated, headerSize, len(data))
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	f := &File{data: data, byName: make(map[string]int, len(raw))}
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &f.metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	body := data[8+headerSize:]
	spans := make([]span, 0, len(names))
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			return nil, err
		}
		var e entry
		if err := json.Unmarshal(raw[name], &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tensor %s: %w", name, err)
		}
		dt, err := ParseDTypeName(e.DType)
		if err != nil {
			return nil, err
		}
		shape := make(tensor.Shape, len(e.Shape))
		for i, d := range e.Shape {
			if d < 0 {
				return nil, tensor.ShapeErrorf("safetensors: tensor %q has negative dimension %d", name, d)
			}
			shape[i] = int(d)
		}
		spans = append(spans, span{name: name, start: e.DataOffsets[0], end: e.DataOffsets[1]})
		f.byName[name] = len(f.tensors)
		f.tensors = append(f.tensors, Tensor{Name: name, DType: dt, Shape: shape})
	}

	if err := validateSpans(spans, int64(len(body))); err != nil {
		return nil, err
	}
	for i, s := range spans {
		t := &f.tensors[i]
		if want := int64(t.NumElements() * t.DType.Size()); want != s.end-s.start {
			return nil, tensor.ShapeErrorf("safetensors: tensor %q: shape %v needs %d bytes, header gives %d",
				t.Name, t.Shape, want, s.end-s.start)
		}
		t.Data = body[s.start:s.end:s.end]
	}
	return f, nil
}

// Open memory-maps the file at path and parses its header.
func Open(path string) (*File, error) {
	//nolint:gosec // G304: input path is chosen by the caller
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.Size() < 8 {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %d bytes, header size needs 8", ErrTruncated, stat.Size())
	}
	data, err := mmapFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		_ = munmapFile(data)
		_ = file.Close()
		return nil, err
	}
	f.file = file
	return f, nil
}

// Read loads every tensor of the file at path into memory.
func Read(path string) ([]Tensor, map[string]string, error) {
	//nolint:gosec // G304: input path is chosen by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return f.tensors, f.metadata, nil
}

// Metadata returns the "__metadata__" pairs, or nil.
func (f *File) Metadata() map[string]string { return f.metadata }

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, len(f.tensors))
	for i, t := range f.tensors {
		names[i] = t.Name
	}
	return names
}

// Tensors returns every tensor in name order.
func (f *File) Tensors() []Tensor { return f.tensors }

// Tensor returns the tensor called name.
func (f *File) Tensor(name string) (Tensor, error) {
	if f.closed {
		return Tensor{}, ErrClosed
	}
	i, ok := f.byName[name]
	if !ok {
		return Tensor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return f.tensors[i], nil
}

// Close unmaps the file. Parsed in-memory files have nothing to release.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.file == nil {
		return nil
	}
	err := munmapFile(f.data)
	f.data, f.tensors = nil, nil
	if closeErr := f.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
