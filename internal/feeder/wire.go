package feeder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/spectrofeed/spectrofeed/internal/batch"
)

// ErrProtocol is returned when a worker stream cannot be decoded.
var ErrProtocol = errors.New("malformed worker stream")

// Frame kinds.
const (
	kindBatch byte = 'B'
	kindError byte = 'E'
)

const (
	flagCompressed byte = 1 << iota
)

// frameHeaderSize is kind, flags and the payload length.
const frameHeaderSize = 6

// maxPayload bounds a single frame.
const maxPayload = 1 << 30

// RemoteError carries an error reported by a worker process.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Writer encodes batches and errors onto a worker's output stream.
type Writer struct {
	w       io.Writer
	encoder *zstd.Encoder
	buf     []byte
}

// NewWriter returns a Writer. With compress set, every frame payload is
// compressed with zstd.
func NewWriter(w io.Writer, compress bool) (*Writer, error) {
	fw := &Writer{w: w}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		fw.encoder = enc
	}
	return fw, nil
}

// WriteBatch writes one batch frame.
func (fw *Writer) WriteBatch(b *batch.Batch) error {
	if err := b.Check(); err != nil {
		return err
	}
	fw.buf = encodeBatch(fw.buf[:0], b)
	return fw.writeFrame(kindBatch, fw.buf)
}

// WriteError writes an error frame.
func (fw *Writer) WriteError(err error) error {
	return fw.writeFrame(kindError, []byte(err.Error()))
}

func (fw *Writer) writeFrame(kind byte, payload []byte) error {
	var flags byte
	if fw.encoder != nil {
		payload = fw.encoder.EncodeAll(payload, nil)
		flags |= flagCompressed
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, len(payload))
	}

	var hdr [frameHeaderSize]byte
	hdr[0] = kind
	hdr[1] = flags
	binary.LittleEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := fw.w.Write(payload)
	return err
}

// Close releases the encoder.
func (fw *Writer) Close() error {
	if fw.encoder != nil {
		return fw.encoder.Close()
	}
	return nil
}

// Reader decodes frames written by a Writer.
type Reader struct {
	r       io.Reader
	decoder *zstd.Decoder
	buf     []byte
}

// NewReader returns a Reader. Compression is detected per frame.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next batch. An error frame is returned as a
// *RemoteError; a clean end of stream as io.EOF.
func (fr *Reader) Next() (*batch.Batch, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrProtocol)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[2:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocol, n)
	}

	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	payload := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("%w: truncated frame: %w", ErrProtocol, err)
	}

	if hdr[1]&flagCompressed != 0 {
		if fr.decoder == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
			}
			fr.decoder = dec
		}
		raw, err := fr.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		payload = raw
	}

	switch hdr[0] {
	case kindBatch:
		return decodeBatch(payload)
	case kindError:
		return nil, &RemoteError{Message: string(payload)}
	default:
		return nil, fmt.Errorf("%w: unknown frame kind %q", ErrProtocol, hdr[0])
	}
}

// Close releases the decoder.
func (fr *Reader) Close() {
	if fr.decoder != nil {
		fr.decoder.Close()
	}
}

// encodeBatch appends size, shape, data and labels in little-endian order.
func encodeBatch(dst []byte, b *batch.Batch) []byte {
	for _, v := range []int{b.Size, b.Shape.Frames, b.Shape.Bins, b.Shape.LabelFrames} {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	for _, v := range b.Data {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	for _, l := range b.Labels {
		if l {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	}
	return dst
}

func decodeBatch(p []byte) (*batch.Batch, error) {
	if len(p) < 16 {
		return nil, fmt.Errorf("%w: short batch header", ErrProtocol)
	}
	size := int(binary.LittleEndian.Uint32(p[0:]))
	shape := batch.Shape{
		Frames:      int(binary.LittleEndian.Uint32(p[4:])),
		Bins:        int(binary.LittleEndian.Uint32(p[8:])),
		LabelFrames: int(binary.LittleEndian.Uint32(p[12:])),
	}
	p = p[16:]

	values := size * shape.Frames * shape.Bins
	labels := size * shape.LabelFrames
	if values < 0 || labels < 0 || len(p) != 4*values+labels {
		return nil, fmt.Errorf("%w: %d bytes for %d × %s", ErrProtocol, len(p), size, shape)
	}

	b := batch.New(size, shape)
	for i := range b.Data {
		b.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
	}
	p = p[4*values:]
	for i := range b.Labels {
		b.Labels[i] = p[i] != 0
	}
	return b, nil
}

// WritePayload writes the construction payload a worker process reads
// with ReadPayload before it starts producing.
func WritePayload(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadPayload reads a payload written by WritePayload.
func ReadPayload(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading payload length: %w", ErrProtocol, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrProtocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %w", ErrProtocol, err)
	}
	return payload, nil
}

// Serve is the worker-process side of ModeProcesses. It writes batches from
// p to out until ctx is done or in reaches end of file, which happens when
// the feeder closes the worker's stdin or exits. A production error is sent
// as an error frame and returned.
func Serve(ctx context.Context, p Producer, in io.Reader, out io.Writer, compress bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_, _ = io.Copy(io.Discard, in)
		cancel()
	}()

	w, err := NewWriter(out, compress)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		b, err := p.Produce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if werr := w.WriteError(err); werr != nil {
				return errors.Join(err, werr)
			}
			return err
		}
		if err := w.WriteBatch(b); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to write batch: %w", err)
		}
	}
}
