package mixdown

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// PCM is the common internal sample representation: interleaved stereo
// float64 in [-1, 1].
type PCM struct {
	Samples    []float64
	SampleRate int
}

// Frames returns the number of stereo frames.
func (p *PCM) Frames() int {
	return len(p.Samples) / 2
}

// Decoder turns a track's audio source into PCM at (or near) the requested
// sample rate. Implementations may return a different rate; the engine
// resamples.
type Decoder interface {
	Decode(ctx context.Context, audioRef string, sampleRate int) (*PCM, error)
}

// SourceFetcher resolves an audioRef to its byte stream. Implemented by the
// object storage layer.
type SourceFetcher interface {
	FetchObject(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FFmpegDecoder decodes via an external ffmpeg process, reading the source
// from object storage through stdin and emitting s16le stereo PCM.
type FFmpegDecoder struct {
	ffmpegPath string
	fetcher    SourceFetcher
}

// NewFFmpegDecoder creates a new FFmpegDecoder.
func NewFFmpegDecoder(ffmpegPath string, fetcher SourceFetcher) *FFmpegDecoder {
	return &FFmpegDecoder{ffmpegPath: ffmpegPath, fetcher: fetcher}
}

// Decode fetches and decodes one source. Any failure is a decode_failed
// mixdown error carrying the source ref.
func (d *FFmpegDecoder) Decode(ctx context.Context, audioRef string, sampleRate int) (*PCM, error) {
	source, err := d.fetcher.FetchObject(ctx, audioRef)
	if err != nil {
		return nil, &Error{Kind: KindDecodeFailed, Ref: audioRef, Err: fmt.Errorf("fetch source: %w", err)}
	}
	defer source.Close()

	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = source
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	out := stdout.Bytes()
	if ctx.Err() != nil {
		return nil, &Error{Kind: KindCanceled, Ref: audioRef, Err: ctx.Err()}
	}
	if err != nil {
		return nil, &Error{Kind: KindDecodeFailed, Ref: audioRef,
			Err: fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())}
	}
	if len(out) == 0 {
		return nil, &Error{Kind: KindDecodeFailed, Ref: audioRef, Err: fmt.Errorf("no audio stream decoded")}
	}

	// int16 alignment
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}
	// whole stereo frames only
	if (len(out)/2)%2 != 0 {
		out = out[:len(out)-2]
	}

	samples := make([]float64, len(out)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(out[i*2:i*2+2]))) / 32768.0
	}

	return &PCM{Samples: samples, SampleRate: sampleRate}, nil
}
