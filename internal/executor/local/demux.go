package local

import (
	"encoding/binary"
	"strings"
)

// Attached container output arrives as multiplexed frames: an 8-byte header
// (stream type, 3 reserved zero bytes, big-endian payload length) followed
// by the payload. Frames are split arbitrarily across reads, so the demuxer
// keeps parser state between Feed calls.

const (
	headerLen = 8

	// Payloads longer than this mean we lost frame sync; treat the
	// buffered bytes as raw text instead.
	maxFrameLen = 16 << 20
)

type demuxState int

const (
	awaitingHeader demuxState = iota
	awaitingPayload
)

// demuxer incrementally reassembles text from a multiplexed stream. Input
// that does not look framed at all (a TTY-mode container writes raw bytes)
// passes through unchanged.
type demuxer struct {
	state      demuxState
	buf        []byte
	payloadLen int
	out        strings.Builder
}

// Feed consumes one read's worth of bytes.
func (d *demuxer) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	for {
		switch d.state {
		case awaitingHeader:
			if len(d.buf) < headerLen {
				return
			}
			if !validHeader(d.buf) {
				// Lost sync or unframed stream. Flush everything
				// buffered as raw text and start over.
				d.out.Write(d.buf)
				d.buf = nil
				return
			}
			d.payloadLen = int(binary.BigEndian.Uint32(d.buf[4:8]))
			d.buf = d.buf[headerLen:]
			d.state = awaitingPayload
		case awaitingPayload:
			if len(d.buf) < d.payloadLen {
				return
			}
			d.out.Write(d.buf[:d.payloadLen])
			d.buf = d.buf[d.payloadLen:]
			d.state = awaitingHeader
		}
	}
}

// String returns the text reassembled so far plus any bytes still buffered.
// Trailing partial frames are included as-is so a truncated stream still
// yields its text.
func (d *demuxer) String() string {
	if len(d.buf) == 0 {
		return d.out.String()
	}
	return d.out.String() + string(d.buf)
}

// validHeader reports whether b starts with a plausible frame header:
// stream type 0 (stdin), 1 (stdout) or 2 (stderr), zero reserved bytes,
// and a sane length.
func validHeader(b []byte) bool {
	if b[0] > 2 {
		return false
	}
	if b[1] != 0 || b[2] != 0 || b[3] != 0 {
		return false
	}
	return binary.BigEndian.Uint32(b[4:8]) <= maxFrameLen
}
