package compression

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// zlibProvider wraps the standard library's zlib reader. No third-party
// zlib wrapper appears anywhere in the retrieved pack, and stdlib's
// compress/zlib is the idiomatic choice here -- DESIGN.md records this
// as the one deliberate stdlib pick within the compression package.
type zlibProvider struct{}

func NewZLibProvider() Provider {
	return zlibProvider{}
}

func (zlibProvider) Decompress(dst, src []byte, uncompressedSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer r.Close()

	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func (zlibProvider) Close() {}
