package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Sentinel errors.
var (
	// ErrNotWAV is returned when the input does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

	// ErrUnsupportedFormat is returned for anything other than 16-bit integer PCM.
	ErrUnsupportedFormat = errors.New("audio: unsupported wav format")

	// ErrTooLarge is returned when a stream exceeds MaxWAVBytes.
	ErrTooLarge = errors.New("audio: wav payload too large")
)

const (
	wavFormatPCM   = 1
	wavHeaderBytes = 44

	// MaxWAVBytes bounds how much of a stream ReadWAV will buffer.
	MaxWAVBytes = 64 << 20

	// maxFmtChunk bounds the fmt chunk; WAVE_FORMAT_EXTENSIBLE needs 40 bytes.
	maxFmtChunk = 256

	// streamedSize is written by encoders that do not know the final length.
	streamedSize = 0xFFFFFFFF
)

// ReadWAV decodes a 16-bit PCM WAV stream into a mono Buffer.
// Samples are scaled by 1/32767; multi-channel input is averaged down to mono.
// The sample rate is left as found in the file.
func ReadWAV(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxWAVBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	if len(data) > MaxWAVBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxWAVBytes)
	}
	return DecodeWAV(data)
}

// DecodeWAV decodes an in-memory WAV payload.
//
// Chunk sizes are trusted only up to the bytes actually present: a data chunk
// that claims more (including the 0xFFFFFFFF of streamed output) is read to
// the end of the payload.
func DecodeWAV(data []byte) (*Buffer, error) {
	canonical, err := canonicalWAV(data)
	if err != nil {
		return nil, err
	}

	d := wav.NewDecoder(bytes.NewReader(canonical))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if d.WavAudioFormat != wavFormatPCM || d.BitDepth != 16 || d.NumChans == 0 {
		return nil, fmt.Errorf("%w: format=%d bits=%d channels=%d",
			ErrUnsupportedFormat, d.WavAudioFormat, d.BitDepth, d.NumChans)
	}

	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}
	return downmix(pcm.Data, int(d.NumChans), int(d.SampleRate)), nil
}

// canonicalWAV walks the RIFF chunk table and rebuilds a payload holding only
// the fmt and data chunks, each with a size that fits the input.
func canonicalWAV(data []byte) ([]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var fmtBody []byte
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := uint64(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		left := uint64(len(data) - body)

		switch id {
		case "fmt ":
			if size > maxFmtChunk {
				return nil, fmt.Errorf("%w: fmt chunk of %d bytes", ErrUnsupportedFormat, size)
			}
			if size > left {
				return nil, fmt.Errorf("%w: fmt chunk truncated", ErrUnsupportedFormat)
			}
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrUnsupportedFormat)
			}
			fmtBody = data[body : body+int(size)]
		case "data":
			if fmtBody == nil {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			if size == streamedSize || size > left {
				// 截斷或串流輸出：讀到檔尾，只保留完整的樣本
				size = left &^ 1
			}
			return assembleWAV(fmtBody, data[body:body+int(size)]), nil
		}

		next := uint64(body) + size + size&1
		if next > uint64(len(data)) {
			break
		}
		pos = int(next)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

func assembleWAV(fmtBody, pcm []byte) []byte {
	out := make([]byte, 0, 20+len(fmtBody)+len(pcm)+1)
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(4+8+len(fmtBody)+len(fmtBody)&1+8+len(pcm)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(fmtBody)))
	out = append(out, fmtBody...)
	if len(fmtBody)&1 == 1 {
		out = append(out, 0)
	}
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	return append(out, pcm...)
}

// downmix averages interleaved 16-bit samples into one channel; a trailing
// partial frame is dropped.
func downmix(interleaved []int, channels, sampleRate int) *Buffer {
	frames := len(interleaved) / channels
	samples := make([]float32, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += float64(int16(interleaved[i*channels+c])) / math.MaxInt16
		}
		samples[i] = float32(sum / float64(channels))
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}
}

// EncodeWAV encodes b as mono 16-bit PCM. Samples outside [-1, 1] are clamped.
func EncodeWAV(b *Buffer) ([]byte, error) {
	ints := make([]int, len(b.Samples))
	for i, s := range b.Samples {
		v := max(-1, min(1, float64(s)))
		ints[i] = int(int16(v * math.MaxInt16))
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, b.SampleRate, 16, 1, wavFormatPCM)
	err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: b.SampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	return ws.buf, nil
}

// WriteWAV writes the EncodeWAV form of b to w.
func WriteWAV(w io.Writer, b *Buffer) error {
	data, err := EncodeWAV(b)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadWAV reads a WAV file from disk.
func LoadWAV(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return b, nil
}

// SaveWAV writes b to path, replacing any existing file.
func SaveWAV(path string, b *Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes once the samples are written.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek: negative position %d", abs)
	}
	w.pos = int(abs)
	return abs, nil
}
