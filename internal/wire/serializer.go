// Package wire encodes outbound payloads. A codec is a format (json text
// or msgpack binary) paired with a compression (none, zlib-wrapped
// deflate, or raw deflate). The benchmark harness in bench.go picks the
// cheapest pair for a representative payload.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the marshaling scheme.
type Format string

// Compression selects the byte-level wrapper around the marshaled form.
type Compression string

const (
	FormatText   Format = "text"
	FormatBinary Format = "binary"

	CompressionNone        Compression = "none"
	CompressionDeflateWrap Compression = "deflate-wrap"
	CompressionDeflateRaw  Compression = "deflate-raw"
)

// Formats lists supported formats in benchmark order.
var Formats = []Format{FormatText, FormatBinary}

// Compressions lists supported compressions in benchmark order.
var Compressions = []Compression{CompressionNone, CompressionDeflateWrap, CompressionDeflateRaw}

// Codec is the encode/decode surface consumers depend on.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// PairCodec is one format+compression combination.
type PairCodec struct {
	format      Format
	compression Compression
}

// NewCodec builds the codec for a pair, rejecting unknown names.
func NewCodec(format Format, compression Compression) (*PairCodec, error) {
	switch format {
	case FormatText, FormatBinary:
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	switch compression {
	case CompressionNone, CompressionDeflateWrap, CompressionDeflateRaw:
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	return &PairCodec{format: format, compression: compression}, nil
}

// Format returns the codec's marshaling scheme.
func (p *PairCodec) Format() Format { return p.format }

// Compression returns the codec's byte-level wrapper.
func (p *PairCodec) Compression() Compression { return p.compression }

// Headers describes the pair for transport metadata.
func (p *PairCodec) Headers() map[string]string {
	encoding := "identity"
	switch p.compression {
	case CompressionDeflateWrap:
		encoding = "deflate"
	case CompressionDeflateRaw:
		encoding = "deflate-raw"
	}
	return map[string]string{
		"format":           string(p.format),
		"content-encoding": encoding,
	}
}

// Encode marshals v and applies the compression wrapper. The binary form
// reuses the json struct tags so both formats expose identical keys.
func (p *PairCodec) Encode(v any) ([]byte, error) {
	var data []byte
	var err error
	switch p.format {
	case FormatBinary:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err = enc.Encode(v); err == nil {
			data = buf.Bytes()
		}
	default:
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.format, err)
	}
	return p.compress(data)
}

// Decode unwraps the compression and unmarshals into v.
func (p *PairCodec) Decode(data []byte, v any) error {
	raw, err := p.decompress(data)
	if err != nil {
		return err
	}
	switch p.format {
	case FormatBinary:
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", p.format, err)
		}
	default:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", p.format, err)
		}
	}
	return nil
}

func (p *PairCodec) compress(data []byte) ([]byte, error) {
	switch p.compression {
	case CompressionDeflateWrap:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionDeflateRaw:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("flate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("flate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("flate close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func (p *PairCodec) decompress(data []byte) ([]byte, error) {
	switch p.compression {
	case CompressionDeflateWrap:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib reader: %w", err)
		}
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib read: %w", err)
		}
		return raw, nil
	case CompressionDeflateRaw:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("flate read: %w", err)
		}
		return raw, nil
	default:
		return data, nil
	}
}
