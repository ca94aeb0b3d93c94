// Package protocol implements the wire framing of the TCP binding: every
// event on a stream (headers, data, trailers, cancel) travels as one
// self-describing message carrying the stream id it belongs to.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vexrpc/vrpc/mem"
	"github.com/vexrpc/vrpc/metadata"
)

var (
	ErrMetaKVMissing         = errors.New("wrong metadata lines. some keys or values are missing")
	ErrUnsupportedCompressor = errors.New("unsupported compressor")
)

// magicNumber identifies a vrpc frame.
const magicNumber byte = 0x56

// headerLen is the fixed-size prefix of every frame:
// magic(1) version(1) type(1) flags(1) streamID(8).
const headerLen = 12

// FrameType discriminates the events multiplexed over one connection.
type FrameType byte

const (
	// FrameHeaders opens a stream. Client to server it carries the full
	// method name and call metadata; server to client it carries the
	// response headers.
	FrameHeaders FrameType = iota
	// FrameData carries a chunk of framed message bytes.
	FrameData
	// FrameTrailers terminates a stream with trailing metadata, including
	// the reserved status keys.
	FrameTrailers
	// FrameCancel tells the peer to abandon the stream immediately.
	FrameCancel
)

const (
	flagEndStream  byte = 0x01
	flagCompressed byte = 0x02
)

// Header is the fixed-size first part of every frame.
type Header [headerLen]byte

// NewHeader returns a header stamped with the magic number.
func NewHeader() *Header {
	h := Header{}
	h[0] = magicNumber
	return &h
}

// CheckMagicNumber checks for a vrpc frame.
func (h *Header) CheckMagicNumber() bool { return h[0] == magicNumber }

// SetVersion sets the protocol version.
func (h *Header) SetVersion(v byte) { h[1] = v }

// Version returns the protocol version.
func (h *Header) Version() byte { return h[1] }

// SetFrameType sets the frame type.
func (h *Header) SetFrameType(t FrameType) { h[2] = byte(t) }

// FrameType returns the frame type.
func (h *Header) FrameType() FrameType { return FrameType(h[2]) }

// SetEndStream marks this frame as the last the sender will emit on the
// stream in its direction.
func (h *Header) SetEndStream(end bool) {
	if end {
		h[3] |= flagEndStream
	} else {
		h[3] &^= flagEndStream
	}
}

// EndStream reports whether the end-of-stream flag is set.
func (h *Header) EndStream() bool { return h[3]&flagEndStream != 0 }

// SetCompressed marks the payload as gzip-compressed.
func (h *Header) SetCompressed(c bool) {
	if c {
		h[3] |= flagCompressed
	} else {
		h[3] &^= flagCompressed
	}
}

// Compressed reports whether the payload is compressed.
func (h *Header) Compressed() bool { return h[3]&flagCompressed != 0 }

// SetStreamID sets the stream this frame belongs to.
func (h *Header) SetStreamID(id uint64) { binary.BigEndian.PutUint64(h[4:], id) }

// StreamID returns the stream this frame belongs to.
func (h *Header) StreamID() uint64 { return binary.BigEndian.Uint64(h[4:]) }

// Message is one decoded frame.
type Message struct {
	*Header
	// Method is the full method name ("/service/method"); only set on a
	// stream-opening FrameHeaders from the client.
	Method   string
	Metadata metadata.MD
	Payload  []byte

	buf []byte // reused decode buffer
}

// NewMessage returns an empty frame ready for encoding or decoding.
func NewMessage() *Message {
	return &Message{Header: NewHeader()}
}

// Encode renders the frame into a pooled buffer. The caller must Free it
// after the bytes have been written out.
func (m *Message) Encode() mem.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, len(m.Metadata)*64))
	encodeMetadata(m.Metadata, buf)
	meta := buf.Bytes()

	payload := m.Payload
	if m.Compressed() {
		zipped, err := compressors[Gzip].Zip(payload)
		if err != nil || len(zipped) >= len(payload) {
			m.SetCompressed(false)
		} else {
			payload = zipped
		}
	}

	mdL := len(m.Method)
	// method + metadata + payload, each length-prefixed
	dataL := (4 + mdL) + (4 + len(meta)) + (4 + len(payload))
	l := headerLen + 4 + dataL

	pool := mem.DefaultBufferPool()
	data := pool.Get(l)
	n := copy(*data, m.Header[:])

	binary.BigEndian.PutUint32((*data)[n:], uint32(dataL))
	n += 4

	binary.BigEndian.PutUint32((*data)[n:], uint32(mdL))
	n += 4
	n += copy((*data)[n:], m.Method)

	binary.BigEndian.PutUint32((*data)[n:], uint32(len(meta)))
	n += 4
	n += copy((*data)[n:], meta)

	binary.BigEndian.PutUint32((*data)[n:], uint32(len(payload)))
	n += 4
	copy((*data)[n:], payload)

	return mem.NewBuffer(data, pool)
}

// Decode reads one frame from r. maxLength bounds the frame body; zero
// means unbounded.
func (m *Message) Decode(r io.Reader, maxLength int) error {
	_, err := io.ReadFull(r, m.Header[:1])
	if err != nil {
		return err
	}
	if !m.CheckMagicNumber() {
		return fmt.Errorf("protocol: wrong magic number: %v", m.Header[0])
	}

	if _, err = io.ReadFull(r, m.Header[1:]); err != nil {
		return err
	}

	lenData := make([]byte, 4)
	if _, err = io.ReadFull(r, lenData); err != nil {
		return err
	}
	l := binary.BigEndian.Uint32(lenData)

	if maxLength > 0 && maxLength < int(l) {
		return fmt.Errorf("protocol: the max receive message length is %d, but received %d", maxLength, l)
	}

	totalLength := int(l)
	if cap(m.buf) >= totalLength {
		m.buf = m.buf[:totalLength]
	} else {
		m.buf = make([]byte, totalLength)
	}
	buf := m.buf
	if _, err = io.ReadFull(r, buf); err != nil {
		return err
	}

	n := 0
	next := func() ([]byte, error) {
		if n+4 > len(buf) {
			return nil, io.ErrUnexpectedEOF
		}
		fl := int(binary.BigEndian.Uint32(buf[n : n+4]))
		n += 4
		if n+fl > len(buf) {
			return nil, io.ErrUnexpectedEOF
		}
		field := buf[n : n+fl]
		n += fl
		return field, nil
	}

	method, err := next()
	if err != nil {
		return err
	}
	m.Method = string(method)

	meta, err := next()
	if err != nil {
		return err
	}
	if len(meta) > 0 {
		m.Metadata, err = decodeMetadata(meta)
		if err != nil {
			return err
		}
	} else {
		m.Metadata = nil
	}

	payload, err := next()
	if err != nil {
		return err
	}
	m.Payload = payload

	if m.Compressed() {
		m.Payload, err = compressors[Gzip].Unzip(m.Payload)
		if err != nil {
			return err
		}
		m.SetCompressed(false)
	}

	return nil
}

func encodeMetadata(md metadata.MD, buf *bytes.Buffer) {
	if len(md) == 0 {
		return
	}

	d := make([]byte, 4)
	for k, values := range md {
		binary.BigEndian.PutUint32(d, uint32(len(k)))
		buf.Write(d)
		buf.WriteString(k)

		buf.WriteByte(byte(len(values)))

		for _, v := range values {
			binary.BigEndian.PutUint32(d, uint32(len(v)))
			buf.Write(d)
			buf.WriteString(v)
		}
	}
}

func decodeMetadata(data []byte) (metadata.MD, error) {
	md := make(metadata.MD)
	l := uint32(len(data))
	n := uint32(0)
	for n < l {
		if n+4 > l {
			return nil, ErrMetaKVMissing
		}
		sl := binary.BigEndian.Uint32(data[n : n+4])
		n += 4
		if n+sl > l {
			return nil, ErrMetaKVMissing
		}
		k := string(data[n : n+sl])
		n += sl

		if n >= l {
			return nil, ErrMetaKVMissing
		}
		numValues := data[n]
		n++
		values := make([]string, 0, numValues)

		for i := byte(0); i < numValues; i++ {
			if n+4 > l {
				return nil, ErrMetaKVMissing
			}
			sl = binary.BigEndian.Uint32(data[n : n+4])
			n += 4
			if n+sl > l {
				return nil, ErrMetaKVMissing
			}
			values = append(values, string(data[n:n+sl]))
			n += sl
		}

		md[k] = values
	}

	return md, nil
}
