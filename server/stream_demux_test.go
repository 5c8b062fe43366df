package server

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(streamType byte, payload string) []byte {
	b := make([]byte, frameHeaderSize+len(payload))
	b[0] = streamType
	binary.BigEndian.PutUint32(b[4:8], uint32(len(payload)))
	copy(b[frameHeaderSize:], payload)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestDemuxChunk_TwoFrames(t *testing.T) {
	chunk := concat(frame(StreamTypeStdout, "hello"), frame(StreamTypeStderr, "world"))
	assert.Equal(t, []string{"hello", "world"}, DemuxChunk(chunk))
}

func TestDemuxChunk_MultiLinePayload(t *testing.T) {
	chunk := frame(StreamTypeStdout, "first\r\nsecond\n")
	assert.Equal(t, []string{"first", "second"}, DemuxChunk(chunk))
}

func TestDemuxChunk_InvalidStreamTypeIsRawText(t *testing.T) {
	chunk := frame(7, "ignored header")
	chunk = append(chunk, []byte("\nline two\nline three")...)

	var lines []string
	require.NotPanics(t, func() { lines = DemuxChunk(chunk) })
	require.Len(t, lines, 3)
	assert.Equal(t, "line two", lines[1])
	assert.Equal(t, "line three", lines[2])
}

func TestDemuxChunk_UnframedText(t *testing.T) {
	assert.Equal(t, []string{"Server started.", "Listening on 0.0.0.0:5520"}, DemuxChunk([]byte("Server started.\nListening on 0.0.0.0:5520\n")))
}

func TestDemuxChunk_LengthBeyondChunkFallsBackToText(t *testing.T) {
	chunk := frame(StreamTypeStdout, "complete")
	truncated := frame(StreamTypeStdout, "this payload is cut")[:14]
	lines := DemuxChunk(concat(chunk, truncated))
	require.NotEmpty(t, lines)
	assert.Equal(t, "complete", lines[0])
	assert.Len(t, lines, 2)
}

func TestDemuxChunk_Empty(t *testing.T) {
	assert.Empty(t, DemuxChunk(nil))
	assert.Empty(t, DemuxChunk([]byte{}))
}

func TestStreamDemuxer_HeaderSplitAcrossChunks(t *testing.T) {
	d := NewStreamDemuxer(0)
	full := concat(frame(StreamTypeStdout, "alpha"), frame(StreamTypeStdout, "beta"))

	// Split inside the second header.
	split := len(frame(StreamTypeStdout, "alpha")) + 3
	assert.Equal(t, []string{"alpha"}, d.Write(full[:split]))
	assert.Equal(t, 3, d.Pending())
	assert.Equal(t, []string{"beta"}, d.Write(full[split:]))
	assert.Zero(t, d.Pending())
}

func TestStreamDemuxer_PayloadSplitAcrossChunks(t *testing.T) {
	d := NewStreamDemuxer(0)
	full := frame(StreamTypeStderr, "a fairly long payload line")

	assert.Empty(t, d.Write(full[:12]))
	assert.Equal(t, []string{"a fairly long payload line"}, d.Write(full[12:]))
}

func TestStreamDemuxer_OversizedFrameIsRawText(t *testing.T) {
	d := NewStreamDemuxer(16)
	lines := d.Write(frame(StreamTypeStdout, "this payload is longer than sixteen bytes"))
	require.NotEmpty(t, lines)
	assert.Zero(t, d.Pending())
}

func TestStreamDemuxer_RawTextIsNeverCarried(t *testing.T) {
	d := NewStreamDemuxer(0)
	assert.Equal(t, []string{"tty"}, d.Write([]byte("tty")))
	assert.Zero(t, d.Pending())
}

func TestStreamDemuxer_Flush(t *testing.T) {
	d := NewStreamDemuxer(0)
	full := frame(StreamTypeStdout, "never finished")
	assert.Empty(t, d.Write(full[:12]))
	assert.Equal(t, []string{"neve"}, d.Flush())
	assert.Zero(t, d.Pending())
	assert.Nil(t, d.Flush())
}
