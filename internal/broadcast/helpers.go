package broadcast

import (
	"bytes"
	"io"
)

func bytesReaderOf(b []byte) io.Reader {
	return bytes.NewReader(b)
}
