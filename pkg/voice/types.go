package voice

import "time"

// AudioFrame represents a single frame of PCM audio flowing through the
// playback pipeline: read from a synthesized WAV file, resampled/channel
// converted to the platform's target format, then Opus-encoded and sent.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g. 24000 for a typical VOICEVOX WAV, 48000 for Discord).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks this frame's position relative to playback start.
	Timestamp time.Duration
}
