package server

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"
)

const (
	// Multiplexed stream record header: [stream type][3 reserved][uint32 big-endian payload length].
	frameHeaderSize = 8

	StreamTypeStdin  = 0
	StreamTypeStdout = 1
	StreamTypeStderr = 2

	DefaultMaxFrameBytes = 1 << 20
)

type frameHeader struct {
	StreamType uint8
	Reserved   [3]byte
	Length     uint32
}

func decodeFrameHeader(b []byte) (frameHeader, bool) {
	var h frameHeader
	if len(b) < frameHeaderSize {
		return h, false
	}
	if err := restruct.Unpack(b[:frameHeaderSize], binary.BigEndian, &h); err != nil {
		return h, false
	}
	return h, h.StreamType <= StreamTypeStderr
}

// DemuxChunk decodes a single chunk of a multiplexed container stream into text lines. It keeps no state between
// calls: once a header is invalid, truncated or declares more payload than the chunk holds, the remaining bytes are
// treated as raw text. It never fails.
func DemuxChunk(chunk []byte) []string {
	lines := make([]string, 0, 4)
	offset := 0
	for offset < len(chunk) {
		remaining := chunk[offset:]
		h, ok := decodeFrameHeader(remaining)
		if !ok || int64(h.Length) > int64(len(remaining)-frameHeaderSize) {
			return appendTextLines(lines, remaining)
		}
		end := frameHeaderSize + int(h.Length)
		lines = appendTextLines(lines, remaining[frameHeaderSize:end])
		offset += end
	}
	return lines
}

// StreamDemuxer is the stateful form of DemuxChunk used on the live stream. A frame split across two chunks, either
// inside its header or inside its payload, is carried over and completed by the next chunk instead of degrading to
// raw text. Only partial data that starts with a plausible header is carried.
type StreamDemuxer struct {
	maxFrame int
	carry    []byte
}

func NewStreamDemuxer(maxFrameBytes int) *StreamDemuxer {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &StreamDemuxer{maxFrame: maxFrameBytes}
}

// Write consumes the next chunk and returns the complete lines it produced.
func (d *StreamDemuxer) Write(chunk []byte) []string {
	buf := chunk
	if len(d.carry) > 0 {
		buf = make([]byte, 0, len(d.carry)+len(chunk))
		buf = append(buf, d.carry...)
		buf = append(buf, chunk...)
		d.carry = nil
	}

	lines := make([]string, 0, 4)
	offset := 0
	for offset < len(buf) {
		remaining := buf[offset:]

		if len(remaining) < frameHeaderSize {
			if looksLikeHeaderPrefix(remaining) {
				d.carry = append([]byte(nil), remaining...)
				return lines
			}
			return appendTextLines(lines, remaining)
		}

		h, ok := decodeFrameHeader(remaining)
		if !ok || h.Reserved != [3]byte{} || int(h.Length) > d.maxFrame {
			return appendTextLines(lines, remaining)
		}

		end := frameHeaderSize + int(h.Length)
		if end > len(remaining) {
			d.carry = append([]byte(nil), remaining...)
			return lines
		}

		lines = appendTextLines(lines, remaining[frameHeaderSize:end])
		offset += end
	}
	return lines
}

// Flush returns whatever partial frame is still buffered as raw text and resets the demuxer.
func (d *StreamDemuxer) Flush() []string {
	if len(d.carry) == 0 {
		return nil
	}
	carry := d.carry
	d.carry = nil
	if len(carry) >= frameHeaderSize {
		if _, ok := decodeFrameHeader(carry); ok {
			carry = carry[frameHeaderSize:]
		}
	}
	return appendTextLines(nil, carry)
}

// Pending reports how many bytes are held back waiting for the rest of a frame.
func (d *StreamDemuxer) Pending() int {
	return len(d.carry)
}

func looksLikeHeaderPrefix(b []byte) bool {
	if len(b) == 0 || b[0] > StreamTypeStderr {
		return false
	}
	for i := 1; i < len(b) && i < 4; i++ {
		if b[i] != 0 {
			return false
		}
	}
	return true
}

func appendTextLines(lines []string, payload []byte) []string {
	if len(payload) == 0 {
		return lines
	}
	text := strings.ToValidUTF8(string(payload), "�")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
