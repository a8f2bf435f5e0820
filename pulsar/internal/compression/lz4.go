package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Provider decompresses blocks produced by Pulsar's LZ4 block codec
// using pierrec/lz4 -- wired per SPEC_FULL's domain-stack table, sourced
// from DuongSonn-go-libs's go.mod.
type lz4Provider struct{}

func NewLz4Provider() Provider {
	return lz4Provider{}
}

func (lz4Provider) Decompress(dst, src []byte, uncompressedSize int) ([]byte, error) {
	out := dst
	if cap(out) < uncompressedSize {
		out = make([]byte, uncompressedSize)
	} else {
		out = out[:uncompressedSize]
	}

	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return out[:n], nil
}

func (lz4Provider) Close() {}
