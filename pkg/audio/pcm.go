package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BitsPerSample is fixed at 16 for every PCM buffer handled by Vocalis.
const BitsPerSample = 16

// RMS returns the root-mean-square amplitude of a PCM16 buffer in sample
// units (0–32767). Buffers shorter than one sample yield 0; a trailing odd
// byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// BytesPerSecond returns the PCM16 byte rate for the given format.
func BytesPerSecond(sampleRate, channels int) int {
	return sampleRate * channels * (BitsPerSample / 8)
}

// FrameBytes returns the number of bytes in a frame of the given duration.
// The result is always a whole number of samples.
func FrameBytes(sampleRate, channels int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * channels * (BitsPerSample / 8)
}

// PCMDuration returns the playback length of n PCM16 bytes. Returns 0 for an
// invalid format.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	bps := BytesPerSecond(sampleRate, channels)
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Concat joins the PCM payloads of frames into one buffer.
func Concat(frames []AudioFrame) []byte {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	out := make([]byte, 0, size)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

// EncodeWAV wraps raw PCM16 data in a canonical 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := BytesPerSecond(sampleRate, channels)
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
