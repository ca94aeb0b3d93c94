package protocol

import (
	"strconv"
	"time"
)

const (
	// TimeoutHeader carries the remaining call budget from client to
	// server, in milliseconds.
	TimeoutHeader = "vrpc-timeout"
	// UserAgentHeader identifies the client library.
	UserAgentHeader = "vrpc-user-agent"
	// CodecHeader names the codec the request payload is serialized with.
	CodecHeader = "vrpc-codec"
	// UserAgent is the value sent under UserAgentHeader.
	UserAgent = "vrpc-go/1.0"
)

// EncodeTimeout renders a timeout for the timeout header. Sub-millisecond
// remainders round up so a positive timeout never encodes to zero.
func EncodeTimeout(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return strconv.FormatInt(int64(ms), 10)
}

// DecodeTimeout parses a timeout header value.
func DecodeTimeout(v string) (time.Duration, bool) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
