// Package wav reads the small subset of the RIFF/WAVE container format that
// ttsrelay needs: the fmt chunk (sample rate, channel count, bit depth) and
// the raw PCM payload of the data chunk. VOICEVOX-compatible engines return
// 16-bit PCM WAV, which is all this package supports.
package wav

import (
	"encoding/binary"
	"fmt"
)

// File holds the decoded fields of a 16-bit PCM WAV file.
type File struct {
	SampleRate int
	Channels   int
	BitsPerSample int
	// PCM is the raw little-endian sample data from the data chunk.
	PCM []byte
}

// Duration returns the play length of the file in seconds.
func (f *File) Duration() float64 {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample <= 0 {
		return 0
	}
	bytesPerSample := f.BitsPerSample / 8
	frameSize := bytesPerSample * f.Channels
	if frameSize <= 0 {
		return 0
	}
	frames := len(f.PCM) / frameSize
	return float64(frames) / float64(f.SampleRate)
}

// Parse decodes a RIFF/WAVE byte stream, scanning chunks for "fmt " and
// "data". Returns an error if the stream isn't a RIFF/WAVE container, uses
// a compressed format other than PCM, or is missing either chunk.
func Parse(b []byte) (*File, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wav: not a RIFF/WAVE stream")
	}

	f := &File{}
	haveFmt, haveData := false, false

	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: fmt chunk too short (%d bytes)", size)
			}
			audioFormat := binary.LittleEndian.Uint16(b[body : body+2])
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return nil, fmt.Errorf("wav: unsupported audio format %d (only PCM is supported)", audioFormat)
			}
			f.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(b[body+14 : body+16]))
			haveFmt = true
		case "data":
			f.PCM = b[body : body+size]
			haveData = true
		}

		// Chunks are word-aligned: a chunk with an odd size has one pad byte.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return nil, fmt.Errorf("wav: missing fmt chunk")
	}
	if !haveData {
		return nil, fmt.Errorf("wav: missing data chunk")
	}
	return f, nil
}

// Encode writes a minimal 16-bit PCM RIFF/WAVE container around pcm.
func Encode(pcm []byte, sampleRate, channels int) []byte {
	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
