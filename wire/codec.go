package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrame bounds a single encoded envelope.
const DefaultMaxFrame = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds max size")

// EncodeError reports an envelope that could not be encoded. Nothing was
// written, so the stream stays usable for other envelopes.
type EncodeError struct {
	ID  uint64
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode envelope %d: %v", e.ID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Codec frames envelopes on a byte stream.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

type Encoder interface {
	Encode(env *Envelope) error
}

// Decoder returns io.EOF when the stream ends cleanly between frames.
type Decoder interface {
	Decode() (*Envelope, error)
}

// CodecOption configures a codec.
type CodecOption func(*codecConfig)

type codecConfig struct {
	maxFrame int
}

func defaultCodecConfig() codecConfig {
	return codecConfig{maxFrame: DefaultMaxFrame}
}

// WithMaxFrame sets the largest envelope, in bytes, the codec will encode or
// decode.
func WithMaxFrame(n int) CodecOption {
	return func(c *codecConfig) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// ParseCodec returns the codec registered under name ("json" or "cbor").
func ParseCodec(name string, opts ...CodecOption) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON(opts...), nil
	case "cbor":
		return CBOR(opts...), nil
	default:
		return nil, fmt.Errorf("unknown codec %q (expected json or cbor)", name)
	}
}

// JSON returns a newline-delimited JSON codec.
func JSON(opts ...CodecOption) Codec {
	cfg := defaultCodecConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return jsonCodec{cfg: cfg}
}

type jsonCodec struct {
	cfg codecConfig
}

func (jsonCodec) Name() string { return "json" }

func (c jsonCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{w: w, maxFrame: c.cfg.maxFrame}
}

func (c jsonCodec) NewDecoder(r io.Reader) Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), c.cfg.maxFrame+1)
	return &jsonDecoder{scanner: scanner}
}

type jsonEncoder struct {
	w        io.Writer
	maxFrame int
}

func (e *jsonEncoder) Encode(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &EncodeError{ID: env.ID, Err: err}
	}
	if len(data) > e.maxFrame {
		return &EncodeError{ID: env.ID, Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), e.maxFrame)}
	}
	_, err = e.w.Write(append(data, '\n'))
	return err
}

type jsonDecoder struct {
	scanner *bufio.Scanner
}

func (d *jsonDecoder) Decode() (*Envelope, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		return &env, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor enc mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor dec mode: %v", err))
	}
}

// CBOR returns a codec writing each envelope as a 4-byte big-endian length
// followed by its CBOR encoding.
func CBOR(opts ...CodecOption) Codec {
	cfg := defaultCodecConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cborCodec{cfg: cfg}
}

type cborCodec struct {
	cfg codecConfig
}

func (cborCodec) Name() string { return "cbor" }

func (c cborCodec) NewEncoder(w io.Writer) Encoder {
	return &cborEncoder{w: w, maxFrame: c.cfg.maxFrame}
}

func (c cborCodec) NewDecoder(r io.Reader) Decoder {
	return &cborDecoder{r: r, maxFrame: c.cfg.maxFrame}
}

type cborEncoder struct {
	w        io.Writer
	maxFrame int
}

func (e *cborEncoder) Encode(env *Envelope) error {
	data, err := cborEnc.Marshal(env)
	if err != nil {
		return &EncodeError{ID: env.ID, Err: err}
	}
	if len(data) > e.maxFrame {
		return &EncodeError{ID: env.ID, Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), e.maxFrame)}
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)
	_, err = e.w.Write(frame)
	return err
}

type cborDecoder struct {
	r        io.Reader
	maxFrame int
}

func (d *cborDecoder) Decode() (*Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(d.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(d.maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrame)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var env Envelope
	if err := cborDec.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}
