package snapshot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// MaxSize is the largest encoded snapshot accepted in either direction.
const MaxSize = 10 * 1024 * 1024

// maxDecodedSize bounds decompression of a snapshot payload.
const maxDecodedSize = 8 * MaxSize

const formatVersion = 1

var magic = []byte("ENCS")

const headerSize = 4 + 1 + blake2b.Size256

var (
	// ErrCorrupt is returned for data that is not a valid snapshot.
	ErrCorrupt = errors.New("snapshot data is corrupt")
	// ErrTooLarge is returned when a snapshot exceeds MaxSize.
	ErrTooLarge = errors.New("snapshot exceeds maximum size")
	// ErrUnsupportedVersion is returned for snapshots from a newer format.
	ErrUnsupportedVersion = errors.New("unsupported snapshot format version")
)

type state struct {
	Bindings []Binding `cbor:"1,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: identical state always yields identical
	// bytes, which keeps checksums and content hashes stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  256,
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes bindings into the sealed snapshot format.
func Encode(bindings []Binding) ([]byte, error) {
	for _, b := range bindings {
		if err := b.Value.Validate(); err != nil {
			return nil, fmt.Errorf("binding %q: %w", b.Name, err)
		}
	}

	raw, err := encMode.Marshal(state{Bindings: bindings})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	payload := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	if headerSize+len(payload) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, headerSize+len(payload), MaxSize)
	}

	sum := blake2b.Sum256(payload)
	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, magic...)
	out = append(out, formatVersion)
	out = append(out, sum[:]...)
	return append(out, payload...), nil
}

// Decode verifies and deserializes data produced by Encode.
func Decode(data []byte) ([]Binding, error) {
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), MaxSize)
	}
	if len(data) < headerSize || !bytes.Equal(data[:4], magic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := data[4]; v != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	payload := data[headerSize:]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:], data[5:headerSize]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var st state
	if err := decMode.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for _, b := range st.Bindings {
		if err := b.Value.Validate(); err != nil {
			return nil, fmt.Errorf("%w: binding %q: %v", ErrCorrupt, b.Name, err)
		}
	}
	return st.Bindings, nil
}
