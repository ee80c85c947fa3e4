package mixdown

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/TyrellHaywood/echo-sub001/model"
)

// EncodeWAV writes the mix result as a 16-bit stereo RIFF/WAV stream.
// Samples outside [-1, 1] are clamped at conversion.
func EncodeWAV(w io.Writer, result *model.MixdownResult, bitDepth int) error {
	if bitDepth == 0 {
		bitDepth = 16
	}
	if bitDepth != 16 {
		return &Error{Kind: KindUnsupported, Err: fmt.Errorf("bit depth %d not supported for WAV export", bitDepth)}
	}

	const channels = 2
	dataSize := len(result.Samples) * 2
	blockAlign := channels * bitDepth / 8
	byteRate := result.SampleRate * blockAlign

	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(result.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitDepth))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write WAV header: %w", err)
	}

	buf := make([]byte, 0, 4096)
	for _, sample := range result.Samples {
		if sample > 1 {
			sample = 1
		}
		if sample < -1 {
			sample = -1
		}
		v := int16(math.Round(sample * 32767))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		if len(buf) >= 4096 {
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("write WAV data: %w", err)
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write WAV data: %w", err)
		}
	}
	return nil
}
