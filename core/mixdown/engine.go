package mixdown

import (
	"context"
	"fmt"
	"math"

	"github.com/TyrellHaywood/echo-sub001/model"
)

// DefaultCeiling is the peak limit applied after summation, linear
// amplitude. 0.891 ≈ -1 dBFS.
const DefaultCeiling = 0.891

// cancelCheckFrames bounds how long mixing runs between cancellation checks.
const cancelCheckFrames = 65536

// Engine combines track snapshots into one stereo buffer. Mixing is pure
// and deterministic: the same snapshots at the same settings produce
// bit-identical output.
//
// Numeric policy, fixed and test-relevant:
//   - gain is linear amplitude 0.0–1.0;
//   - pan uses the constant-power law: left = cos(θ), right = sin(θ) with
//     θ = (pan+1)·π/4, so center sits 3 dB below each extreme;
//   - clipping is prevented by peak normalization down to the ceiling,
//     applied only when the summed peak exceeds it.
type Engine struct {
	decoder Decoder
	ceiling float64
}

// NewEngine creates an Engine. A non-positive ceiling falls back to
// DefaultCeiling.
func NewEngine(decoder Decoder, ceiling float64) *Engine {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Engine{decoder: decoder, ceiling: ceiling}
}

// PanGains returns the constant-power gain pair for a pan position in
// [-1, 1]. Out-of-range values are clamped.
func PanGains(pan float64) (left, right float64) {
	if pan < -1 {
		pan = -1
	}
	if pan > 1 {
		pan = 1
	}
	theta := (pan + 1) * math.Pi / 4
	return math.Cos(theta), math.Sin(theta)
}

// Mix renders the request into one combined buffer. Muted tracks contribute
// nothing and are excluded from the duration; zero eligible tracks is an
// empty_input error. A decode failure on any track fails the whole mixdown.
// Cancellation aborts promptly and never yields a partial result.
//
// Placement policy: each track starts at its start offset rounded to the
// output rate, with negative offsets treated as zero. Output duration is the
// furthest decoded end frame; declared duration metadata never stretches or
// truncates the audio.
func (e *Engine) Mix(ctx context.Context, req *model.MixdownRequest) (*model.MixdownResult, error) {
	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if req.BitDepth != 0 && req.BitDepth != 16 {
		return nil, &Error{Kind: KindUnsupported, Err: fmt.Errorf("bit depth %d not supported", req.BitDepth)}
	}

	eligible := make([]model.TrackRecord, 0, len(req.Tracks))
	for _, track := range req.Tracks {
		if track.Muted {
			continue
		}
		eligible = append(eligible, track)
	}
	if len(eligible) == 0 {
		return nil, &Error{Kind: KindEmptyInput, Err: fmt.Errorf("no eligible tracks after mute filtering")}
	}

	// Decode everything first so a bad source fails before any summing.
	decoded := make([]*PCM, len(eligible))
	for i, track := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCanceled, Err: err}
		}
		pcm, err := e.decoder.Decode(ctx, track.AudioRef, sampleRate)
		if err != nil {
			if mixErr, ok := err.(*Error); ok {
				return nil, mixErr
			}
			return nil, &Error{Kind: KindDecodeFailed, Ref: track.AudioRef, Err: err}
		}
		if pcm.SampleRate != sampleRate {
			pcm = Resample(pcm, sampleRate)
		}
		decoded[i] = pcm
	}

	// Output length is the maximum end frame across tracks.
	totalFrames := 0
	offsets := make([]int, len(eligible))
	for i, track := range eligible {
		offset := int(math.Round(track.StartOffsetSeconds * float64(sampleRate)))
		if offset < 0 {
			// 历史数据可能带着非法偏移,当作从零开始
			offset = 0
		}
		offsets[i] = offset
		if end := offset + decoded[i].Frames(); end > totalFrames {
			totalFrames = end
		}
	}

	mix := make([]float64, totalFrames*2)
	for i, track := range eligible {
		leftGain, rightGain := PanGains(track.Pan)
		leftGain *= track.Gain
		rightGain *= track.Gain

		samples := decoded[i].Samples
		base := offsets[i] * 2
		frames := len(samples) / 2
		for frame := 0; frame < frames; frame++ {
			if frame%cancelCheckFrames == 0 {
				if err := ctx.Err(); err != nil {
					return nil, &Error{Kind: KindCanceled, Err: err}
				}
			}
			mix[base+frame*2] += samples[frame*2] * leftGain
			mix[base+frame*2+1] += samples[frame*2+1] * rightGain
		}
	}

	// Final limiting pass: normalize the peak down to the ceiling.
	peak := 0.0
	for _, sample := range mix {
		if abs := math.Abs(sample); abs > peak {
			peak = abs
		}
	}
	if peak > e.ceiling {
		scale := e.ceiling / peak
		for i := range mix {
			mix[i] *= scale
		}
		peak = e.ceiling
	}

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCanceled, Err: err}
	}

	return &model.MixdownResult{
		Samples:         mix,
		SampleRate:      sampleRate,
		DurationSeconds: float64(totalFrames) / float64(sampleRate),
		Peak:            peak,
	}, nil
}

// Resample converts stereo PCM to a target rate with linear interpolation.
// Good enough for alignment purposes; sources normally arrive at the target
// rate already because the decoder resamples.
func Resample(pcm *PCM, targetRate int) *PCM {
	if pcm.SampleRate == targetRate || pcm.SampleRate <= 0 {
		return &PCM{Samples: pcm.Samples, SampleRate: targetRate}
	}

	srcFrames := pcm.Frames()
	dstFrames := int(math.Round(float64(srcFrames) * float64(targetRate) / float64(pcm.SampleRate)))
	out := make([]float64, dstFrames*2)

	ratio := float64(pcm.SampleRate) / float64(targetRate)
	for frame := 0; frame < dstFrames; frame++ {
		pos := float64(frame) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		if idx >= srcFrames {
			idx = srcFrames - 1
			frac = 0
		}
		for ch := 0; ch < 2; ch++ {
			a := pcm.Samples[idx*2+ch]
			b := pcm.Samples[next*2+ch]
			out[frame*2+ch] = a + (b-a)*frac
		}
	}

	return &PCM{Samples: out, SampleRate: targetRate}
}
