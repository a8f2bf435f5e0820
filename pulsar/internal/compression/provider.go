// Package compression implements the CompressionCodecProvider named in
// spec §3/§4.3: Provider.Decompress(payload, uncompressedSize) is the
// only operation the receive path needs (producing compressed output is
// out of scope for a consumer core). Grounded on the teacher's
// compression.Provider interface and its NewNoopProvider/NewZLibProvider/
// NewLz4Provider/NewZStdProvider constructors.
package compression

import "fmt"

// Provider decompresses a payload produced with a specific codec.
type Provider interface {
	Decompress(dst, src []byte, uncompressedSize int) ([]byte, error)
	Close()
}

// Type identifies a compression codec, mirroring MessageMetadata.Compression.
type Type int32

const (
	None Type = iota
	LZ4
	ZLib
	ZSTD
)

// NewProvider builds the Provider for a given codec (spec §4.3 step 3).
func NewProvider(t Type) (Provider, error) {
	switch t {
	case None:
		return NewNoopProvider(), nil
	case ZLib:
		return NewZLibProvider(), nil
	case LZ4:
		return NewLz4Provider(), nil
	case ZSTD:
		return NewZStdProvider()
	default:
		return nil, fmt.Errorf("compression: unsupported codec %d", t)
	}
}
