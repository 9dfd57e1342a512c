package live

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidMessage wraps every decode and validation failure
var ErrInvalidMessage = errors.New("invalid wire message")

// MaxMessageSize bounds a decoded message
const MaxMessageSize = 4 << 20

// Binary frame kinds. A binary websocket message is
// [kind][uvarint decoded length][payload].
const (
	frameZstdJSON byte = 0x01
)

//go:embed wire.schema.json
var wireSchema []byte

const schemaURL = "wire.schema.json"

// Codec encodes and decodes wire messages. Inbound messages are validated
// against the embedded schema before they are decoded. A Codec is safe for
// concurrent use.
type Codec struct {
	schema *jsonschema.Schema
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	// Compress selects zstd binary frames for Encode
	Compress bool
	// MinCompressSize leaves smaller messages as text
	MinCompressSize int
}

// NewCodec compiles the wire schema and prepares the zstd coders
func NewCodec(compress bool) (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(wireSchema)); err != nil {
		return nil, fmt.Errorf("add wire schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile wire schema: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{schema: schema, enc: enc, dec: dec, Compress: compress, MinCompressSize: 512}, nil
}

// Encode returns the websocket message type and payload for m
func (c *Codec) Encode(m Message) (int, []byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", m.T, err)
	}
	if !c.Compress || len(data) < c.MinCompressSize {
		return websocket.TextMessage, data, nil
	}
	frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(data)/2)
	frame[0] = frameZstdJSON
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	return websocket.BinaryMessage, c.enc.EncodeAll(data, frame), nil
}

// Decode validates and decodes one websocket message
func (c *Codec) Decode(kind int, data []byte) (Message, error) {
	var m Message
	raw, err := c.unframe(kind, data)
	if err != nil {
		return m, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

func (c *Codec) unframe(kind int, data []byte) ([]byte, error) {
	switch kind {
	case websocket.TextMessage:
		if len(data) > MaxMessageSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(data))
		}
		return data, nil
	case websocket.BinaryMessage:
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrInvalidMessage, kind)
	}
	if len(data) < 2 || data[0] != frameZstdJSON {
		return nil, fmt.Errorf("%w: unknown binary frame", ErrInvalidMessage)
	}
	size, n := binary.Uvarint(data[1:])
	if n <= 0 || size > MaxMessageSize {
		return nil, fmt.Errorf("%w: bad frame length", ErrInvalidMessage)
	}
	raw, err := c.dec.DecodeAll(data[1+n:], make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if uint64(len(raw)) != size {
		return nil, fmt.Errorf("%w: frame length %d, decoded %d", ErrInvalidMessage, size, len(raw))
	}
	return raw, nil
}
