package tts

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	WAVHeaderSize = 44
	Channels      = 1
	BitsPerSample = 16

	// StreamingDataSize is the data chunk size declared by stream headers.
	// The real length is unknown when the header goes out, so this is a
	// deliberate non-conformant placeholder: readers that decode PCM as it
	// arrives play the stream, readers that trust the size over-read.
	// Keep it; a conformant size cannot be known before synthesis ends.
	StreamingDataSize uint32 = math.MaxUint32 - WAVHeaderSize
)

// StreamHeader returns the 44-byte mono 16-bit PCM WAV header that opens a
// streamed response.
func StreamHeader(sampleRate int) []byte {
	const bytesPerSample = BitsPerSample / 8
	buf := &bytes.Buffer{}
	buf.Grow(WAVHeaderSize)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, StreamingDataSize+36)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16)) // fmt chunk size
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))  // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*Channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(Channels*bytesPerSample))
	_ = binary.Write(buf, binary.LittleEndian, uint16(BitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, StreamingDataSize)
	return buf.Bytes()
}

// wavFileWriter encodes raw little-endian PCM written to it into a WAV
// container. Writes need not be sample aligned.
type wavFileWriter struct {
	enc    *wav.Encoder
	format *audio.Format
	carry  []byte
	frames int
}

func newWAVFileWriter(w io.WriteSeeker, sampleRate int) *wavFileWriter {
	return &wavFileWriter{
		enc:    wav.NewEncoder(w, sampleRate, BitsPerSample, Channels, 1),
		format: &audio.Format{NumChannels: Channels, SampleRate: sampleRate},
	}
}

func (w *wavFileWriter) Write(p []byte) (int, error) {
	n := len(p)
	if len(w.carry) > 0 {
		p = append(w.carry, p...)
		w.carry = nil
	}
	if len(p)%2 == 1 {
		w.carry = []byte{p[len(p)-1]}
		p = p[:len(p)-1]
	}
	if len(p) == 0 {
		return n, nil
	}

	samples := make([]int, len(p)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}
	buf := &audio.IntBuffer{Format: w.format, Data: samples, SourceBitDepth: BitsPerSample}
	if err := w.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("write wav: %w", err)
	}
	w.frames += len(samples)
	return n, nil
}

// Frames is the number of complete samples encoded so far.
func (w *wavFileWriter) Frames() int {
	return w.frames
}

// Close finalizes the header sizes. A trailing half sample is dropped.
func (w *wavFileWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
