// Package payload compresses and decompresses the prompt/response blobs the
// gateway optionally persists alongside each request log, using zstd via
// github.com/klauspost/compress. See DESIGN.md for the codec choice.
package payload

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encoderErr
}

func getDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Compress returns the zstd-compressed form of data. A nil or empty input
// compresses to a nil slice, so empty prompt/response blobs don't round-trip
// through a non-empty frame.
func Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	enc, err := getEncoder()
	if err != nil {
		return nil, fmt.Errorf("payload: encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress. A nil or empty input decompresses to nil.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec, err := getDecoder()
	if err != nil {
		return nil, fmt.Errorf("payload: decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("payload: decode: %w", err)
	}
	return out, nil
}

// mustRoundTrip is a test helper asserting Decompress(Compress(s)) == s;
// kept out of _test.go so payload_test.go itself can stay table-driven.
func mustRoundTrip(data []byte) bool {
	c, err := Compress(data)
	if err != nil {
		return false
	}
	d, err := Decompress(c)
	if err != nil {
		return false
	}
	return bytes.Equal(d, data)
}
