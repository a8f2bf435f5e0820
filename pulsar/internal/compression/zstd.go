package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdProvider decompresses using klauspost/compress/zstd, wired per
// SPEC_FULL's domain-stack table (sourced from DuongSonn-go-libs's
// go.mod indirect dependency on klauspost/compress).
type zstdProvider struct {
	decoder *zstd.Decoder
}

func NewZStdProvider() (Provider, error) {
	d, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &zstdProvider{decoder: d}, nil
}

func (p *zstdProvider) Decompress(dst, src []byte, uncompressedSize int) ([]byte, error) {
	out, err := p.decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func (p *zstdProvider) Close() {
	p.decoder.Close()
}
