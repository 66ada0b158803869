// Package snapshot encodes the durable state document and writes it to a
// configured store.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"coldroom/internal/models"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Format names a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Unix seconds would drop sub-second precision from timestamps.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// ParseFormat accepts "json" or "cbor".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCBOR:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown snapshot format %q", s)
}

// Encode serializes doc, optionally wrapping it in a zstd frame.
func Encode(doc *models.Snapshot, format Format, compress bool) ([]byte, error) {
	var data []byte
	var err error
	switch format {
	case FormatCBOR:
		data, err = encMode.Marshal(doc)
	case FormatJSON, "":
		data, err = json.Marshal(doc)
	default:
		return nil, fmt.Errorf("unknown snapshot format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if compress {
		data = zstdEncoder.EncodeAll(data, nil)
	}
	return data, nil
}

// Detect reports the encoding of data and whether it is zstd-compressed.
// Compressed input is inspected after decompression.
func Detect(data []byte) (Format, bool, error) {
	compressed := bytes.HasPrefix(data, zstdMagic)
	if compressed {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return "", true, fmt.Errorf("zstd decompress: %w", err)
		}
		data = raw
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return "", compressed, fmt.Errorf("empty snapshot document")
	}
	if trimmed[0] == '{' {
		return FormatJSON, compressed, nil
	}
	return FormatCBOR, compressed, nil
}

// Decode parses a document produced by Encode in any format.
func Decode(data []byte) (*models.Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		data = raw
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty snapshot document")
	}

	var doc models.Snapshot
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}
	} else if err := decMode.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode cbor snapshot: %w", err)
	}

	if doc.Version > models.SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", doc.Version, models.SnapshotVersion)
	}
	return &doc, nil
}
