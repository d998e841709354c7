// Package mp3 builds the synthetic MPEG frames placed around a remote
// audio stream.
package mp3

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/radryc/scfs/internal/stream"
)

// FrameSize is the length of one MPEG-1 layer III frame at 128 kbit/s and
// 44.1 kHz without padding.
const FrameSize = 417

// Encoder is written into the CBR header.
var Encoder = "scfs"

const (
	framesFlag = 0x1
	bytesFlag  = 0x2
)

var frameHeader = [4]byte{0xff, 0xfb, 0x90, 0x64}

// ZeroFrame is a silent frame.
var ZeroFrame = func() []byte {
	b := make([]byte, FrameSize)
	copy(b, frameHeader[:])
	return b
}()

// ZeroFrames returns count silent frames.
func ZeroFrames(count int64) *stream.Pattern {
	return stream.NewPattern(ZeroFrame, count*FrameSize)
}

// CBRHeader returns an "Info" frame describing a constant bitrate stream of
// totalBytes bytes.
func CBRHeader(totalBytes int64) ([]byte, error) {
	if totalBytes < 0 || totalBytes > math.MaxUint32 {
		return nil, fmt.Errorf("mp3: stream of %d bytes does not fit a CBR header", totalBytes)
	}
	b := make([]byte, FrameSize)
	copy(b, frameHeader[:])
	copy(b[0x24:], "Info")
	binary.BigEndian.PutUint32(b[0x28:], framesFlag|bytesFlag)
	// 0x34..0x98 holds the seek table, unused for CBR.
	binary.BigEndian.PutUint32(b[0x2c:], uint32(totalBytes/FrameSize))
	binary.BigEndian.PutUint32(b[0x30:], uint32(totalBytes))

	enc := Encoder
	if len(enc) > 0xb0-0x9c {
		enc = enc[:0xb0-0x9c]
	}
	copy(b[0x9c:0xb0], enc)
	return b, nil
}
