package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	headerLen = 2

	flagLZ4 byte = 1 << 0

	// CompressThreshold is the encoded size above which payloads are lz4
	// compressed. Small input packets are sent as is.
	CompressThreshold = 512

	MaxFrameBytes = 1 << 20
)

// Encode frames v as [type][flags][msgpack payload].
func Encode(t Type, v any) ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	var flags byte
	if len(payload) > CompressThreshold {
		z, err := compressLZ4(payload)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", t, err)
		}
		if len(z) < len(payload) {
			payload = z
			flags |= flagLZ4
		}
	}
	out := make([]byte, headerLen+len(payload))
	out[0] = byte(t)
	out[1] = flags
	copy(out[headerLen:], payload)
	return out, nil
}

// Peek returns the message type of a frame without decoding it.
func Peek(frame []byte) (Type, error) {
	if len(frame) < headerLen {
		return 0, ErrShortFrame
	}
	t := Type(frame[0])
	if !t.valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, frame[0])
	}
	return t, nil
}

// Decode unpacks frame into v, which must match the expected type want.
func Decode(frame []byte, want Type, v any) error {
	t, err := Peek(frame)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("%w: got %s want %s", ErrTypeMismatch, t, want)
	}
	if len(frame) > MaxFrameBytes {
		return ErrTooLarge
	}
	payload := frame[headerLen:]
	if frame[1]&flagLZ4 != 0 {
		payload, err = decompressLZ4(payload)
		if err != nil {
			return fmt.Errorf("decompress %s: %w", t, err)
		}
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

func compressLZ4(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(io.LimitReader(zr, MaxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxFrameBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}
