package protocol

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// CompressType identifies the payload compression scheme.
type CompressType byte

const (
	// None does not compress.
	None CompressType = iota
	// Gzip uses gzip compression.
	Gzip
)

// CompressThreshold is the payload size below which compression is skipped.
const CompressThreshold = 1024

// Compressor compresses and decompresses frame payloads.
type Compressor interface {
	Zip([]byte) ([]byte, error)
	Unzip([]byte) ([]byte, error)
}

var compressors = map[CompressType]Compressor{
	None: rawCompressor{},
	Gzip: gzipCompressor{},
}

var (
	spWriter = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}
	spReader = sync.Pool{New: func() any { return new(gzip.Reader) }}
	spBuffer = sync.Pool{New: func() any { return bytes.NewBuffer(nil) }}
)

type gzipCompressor struct{}

func (gzipCompressor) Zip(data []byte) ([]byte, error) {
	if len(data) < CompressThreshold {
		return data, nil
	}

	buf := spBuffer.Get().(*bytes.Buffer)
	w := spWriter.Get().(*gzip.Writer)
	w.Reset(buf)
	defer func() {
		buf.Reset()
		spBuffer.Put(buf)
		spWriter.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (gzipCompressor) Unzip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	gr := spReader.Get().(*gzip.Reader)
	defer spReader.Put(gr)

	if err := gr.Reset(bytes.NewBuffer(data)); err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}

type rawCompressor struct{}

func (rawCompressor) Zip(data []byte) ([]byte, error)   { return data, nil }
func (rawCompressor) Unzip(data []byte) ([]byte, error) { return data, nil }
