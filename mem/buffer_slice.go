package mem

import "io"

// BufferSlice is a logical byte stream made of zero or more Buffers.
type BufferSlice []Buffer

// Len returns the sum of the length of all the Buffers in this slice.
func (s BufferSlice) Len() int {
	length := 0
	for _, b := range s {
		length += b.Len()
	}
	return length
}

// Free invokes Buffer.Free() on each Buffer in the slice.
func (s BufferSlice) Free() {
	for _, b := range s {
		b.Free()
	}
}

// Ref invokes Ref on each buffer in the slice.
func (s BufferSlice) Ref() {
	for _, b := range s {
		b.Ref()
	}
}

// CopyTo copies the data of the slice into dst, stopping when dst is full
// or s runs out of data, and returns the number of bytes copied.
func (s BufferSlice) CopyTo(dst []byte) int {
	off := 0
	for _, b := range s {
		off += copy(dst[off:], b.ReadOnlyData())
	}
	return off
}

// Materialize concatenates all the underlying Buffers' data into a single
// freshly allocated contiguous slice.
func (s BufferSlice) Materialize() []byte {
	l := s.Len()
	if l == 0 {
		return nil
	}
	out := make([]byte, l)
	s.CopyTo(out)
	return out
}

// Reader is the stream view of a BufferSlice handed to message consumers.
type Reader interface {
	io.Reader
	io.ByteReader
	// Close frees the underlying BufferSlice. Subsequent Reads return
	// (0, io.EOF).
	Close() error
	// Remain returns the number of unread bytes remaining in the slice.
	Remain() int
}

// NewReader returns a Reader over s after taking a reference to each
// underlying buffer.
func (s BufferSlice) NewReader() Reader {
	s.Ref()
	return &sliceReader{
		data: s,
		len:  s.Len(),
	}
}

type sliceReader struct {
	data      BufferSlice
	len       int
	bufferIdx int // read offset into data[0]
}

func (s *sliceReader) Read(buf []byte) (n int, err error) {
	if s.len == 0 {
		return 0, io.EOF
	}

	for len(buf) != 0 && s.len != 0 {
		data := s.data[0].ReadOnlyData()
		cp := copy(buf, data[s.bufferIdx:])
		s.len -= cp
		s.bufferIdx += cp
		n += cp
		buf = buf[cp:]

		s.freeFirstBufferIfEmpty()
	}

	return n, nil
}

func (s *sliceReader) ReadByte() (byte, error) {
	if s.len == 0 {
		return 0, io.EOF
	}

	// Skip any number of empty buffers; guaranteed to terminate since
	// s.len is not zero.
	for s.freeFirstBufferIfEmpty() {
	}

	b := s.data[0].ReadOnlyData()[s.bufferIdx]
	s.bufferIdx++
	s.len--
	s.freeFirstBufferIfEmpty()
	return b, nil
}

func (s *sliceReader) Close() error {
	s.data.Free()
	s.data = nil
	s.len = 0
	return nil
}

func (s *sliceReader) Remain() int {
	return s.len
}

func (s *sliceReader) freeFirstBufferIfEmpty() bool {
	if len(s.data) == 0 || s.bufferIdx != len(s.data[0].ReadOnlyData()) {
		return false
	}

	s.data[0].Free()
	s.data = s.data[1:]
	s.bufferIdx = 0
	return true
}
