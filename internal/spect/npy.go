package spect

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unsafe"
)

// ErrFormat is returned for data that is not a supported .npy array.
var ErrFormat = errors.New("malformed npy data")

const (
	npyMagic     = "\x93NUMPY"
	npyAlign     = 64
	descrFloat32 = "<f4"
	descrFloat64 = "<f8"
)

// Header describes a decoded .npy header.
type Header struct {
	Descr      string
	Fortran    bool
	Shape      []int
	DataOffset int64 // bytes from the start of the file to the first element
}

// ItemSize returns the element size in bytes for the header's dtype.
func (h Header) ItemSize() int {
	switch h.Descr {
	case descrFloat32:
		return 4
	case descrFloat64:
		return 8
	default:
		return 0
	}
}

// Len returns the number of elements described by the shape.
func (h Header) Len() int {
	n := 1
	for _, d := range h.Shape {
		n *= d
	}
	return n
}

// DataSize returns the payload size in bytes.
func (h Header) DataSize() int64 {
	return int64(h.Len()) * int64(h.ItemSize())
}

// WriteNPY writes s as a version 1.0 .npy file with a little-endian float32
// payload. The header is padded so the payload starts on a 64-byte boundary,
// which keeps memory-mapped views aligned.
func WriteNPY(w io.Writer, s *Spectrogram) (int64, error) {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }", descrFloat32, s.T, s.F)
	prefix := len(npyMagic) + 2 + 2
	total := prefix + len(dict) + 1
	if pad := total % npyAlign; pad != 0 {
		total += npyAlign - pad
	}
	hlen := total - prefix
	if hlen > math.MaxUint16 {
		return 0, fmt.Errorf("%w: header too long", ErrFormat)
	}

	var head bytes.Buffer
	head.Grow(total)
	head.WriteString(npyMagic)
	head.Write([]byte{1, 0})
	_ = binary.Write(&head, binary.LittleEndian, uint16(hlen))
	head.WriteString(dict)
	head.WriteString(strings.Repeat(" ", hlen-len(dict)-1))
	head.WriteByte('\n')

	n, err := w.Write(head.Bytes())
	written := int64(n)
	if err != nil {
		return written, err
	}
	if err := binary.Write(w, binary.LittleEndian, s.Data); err != nil {
		return written, err
	}
	return written + s.SizeBytes(), nil
}

// ReadHeader consumes exactly the .npy header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(pre[:6]) != npyMagic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	var hlen int
	offset := int64(8)
	switch pre[6] {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int(l)
		offset += 2
	case 2, 3:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		hlen = int(l)
		offset += 4
	default:
		return Header{}, fmt.Errorf("%w: unsupported version %d.%d", ErrFormat, pre[6], pre[7])
	}

	dict := make([]byte, hlen)
	if _, err := io.ReadFull(r, dict); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h, err := parseDict(string(dict))
	if err != nil {
		return Header{}, err
	}
	h.DataOffset = offset + int64(hlen)
	return h, nil
}

// ReadNPY decodes a 2-D float .npy array from r. float64 payloads are
// narrowed to float32.
func ReadNPY(r io.Reader) (*Spectrogram, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if err := h.check(); err != nil {
		return nil, err
	}

	t, f := h.Shape[0], h.Shape[1]
	data := make([]float32, t*f)
	switch h.Descr {
	case descrFloat32:
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrFormat, err)
		}
	case descrFloat64:
		wide := make([]float64, t*f)
		if err := binary.Read(r, binary.LittleEndian, wide); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrFormat, err)
		}
		for i, v := range wide {
			data[i] = float32(v)
		}
	}
	return &Spectrogram{T: t, F: f, Data: data}, nil
}

// View aliases the payload of an encoded .npy file held in b (typically a
// read-only mapping) without copying. Only little-endian float32 data on a
// little-endian host can be aliased.
func View(b []byte) (*Spectrogram, Header, error) {
	h, err := ReadHeader(bytes.NewReader(b))
	if err != nil {
		return nil, h, err
	}
	if err := h.check(); err != nil {
		return nil, h, err
	}
	if h.Descr != descrFloat32 || !littleEndian() {
		return nil, h, fmt.Errorf("%w: cannot alias %s data", ErrFormat, h.Descr)
	}
	if int64(len(b)) != h.DataOffset+h.DataSize() {
		return nil, h, fmt.Errorf("%w: file holds %d bytes, header implies %d", ErrFormat, len(b), h.DataOffset+h.DataSize())
	}
	if h.DataOffset%4 != 0 {
		return nil, h, fmt.Errorf("%w: misaligned payload at %d", ErrFormat, h.DataOffset)
	}

	t, f := h.Shape[0], h.Shape[1]
	if t*f == 0 {
		return &Spectrogram{T: t, F: f, Data: []float32{}}, h, nil
	}
	data := unsafe.Slice((*float32)(unsafe.Pointer(&b[h.DataOffset])), t*f)
	return &Spectrogram{T: t, F: f, Data: data}, h, nil
}

// DecodeRows converts little-endian float32 rows read from a file.
func DecodeRows(dst []float32, raw []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
}

func (h Header) check() error {
	if h.Fortran {
		return fmt.Errorf("%w: fortran order is not supported", ErrFormat)
	}
	if len(h.Shape) != 2 {
		return fmt.Errorf("%w: expected 2-D array, got shape %v", ErrFormat, h.Shape)
	}
	if h.ItemSize() == 0 {
		return fmt.Errorf("%w: unsupported dtype %q", ErrFormat, h.Descr)
	}
	return nil
}

// parseDict reads the three keys numpy writes into every header.
func parseDict(s string) (Header, error) {
	var h Header
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return h, fmt.Errorf("%w: header is not a dict: %q", ErrFormat, s)
	}

	descr, ok := dictValue(s, "descr")
	if !ok {
		return h, fmt.Errorf("%w: missing descr", ErrFormat)
	}
	h.Descr = strings.Trim(descr, `'"`)

	fortran, ok := dictValue(s, "fortran_order")
	if !ok {
		return h, fmt.Errorf("%w: missing fortran_order", ErrFormat)
	}
	h.Fortran = fortran == "True"

	shape, ok := dictValue(s, "shape")
	if !ok {
		return h, fmt.Errorf("%w: missing shape", ErrFormat)
	}
	shape = strings.TrimSuffix(strings.TrimPrefix(shape, "("), ")")
	for _, part := range strings.Split(shape, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || d < 0 {
			return h, fmt.Errorf("%w: bad shape %q", ErrFormat, shape)
		}
		h.Shape = append(h.Shape, d)
	}
	return h, nil
}

// dictValue extracts the raw value for key from a flat Python dict literal.
func dictValue(s, key string) (string, bool) {
	for _, q := range []string{"'", `"`} {
		i := strings.Index(s, q+key+q)
		if i < 0 {
			continue
		}
		rest := strings.TrimSpace(s[i+len(key)+2:])
		if !strings.HasPrefix(rest, ":") {
			return "", false
		}
		rest = strings.TrimSpace(rest[1:])
		if strings.HasPrefix(rest, "(") {
			end := strings.Index(rest, ")")
			if end < 0 {
				return "", false
			}
			return rest[:end+1], true
		}
		end := strings.IndexAny(rest, ",}")
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}

func littleEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}
