package mixdown

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/TyrellHaywood/echo-sub001/model"
)

type fakeDecoder struct {
	sources map[string]*PCM
}

func (d *fakeDecoder) Decode(ctx context.Context, audioRef string, sampleRate int) (*PCM, error) {
	pcm, ok := d.sources[audioRef]
	if !ok {
		return nil, &Error{Kind: KindDecodeFailed, Ref: audioRef, Err: fmt.Errorf("unknown source")}
	}
	return pcm, nil
}

// constantPCM builds stereo PCM with every sample set to value.
func constantPCM(value float64, frames, sampleRate int) *PCM {
	samples := make([]float64, frames*2)
	for i := range samples {
		samples[i] = value
	}
	return &PCM{Samples: samples, SampleRate: sampleRate}
}

func track(id, ref string, gain, pan, offset float64, muted bool) model.TrackRecord {
	return model.TrackRecord{
		ID:                 id,
		ProjectID:          "p1",
		AudioRef:           ref,
		Gain:               gain,
		Pan:                pan,
		Muted:              muted,
		StartOffsetSeconds: offset,
	}
}

func TestMixDurationIsMaxTrackEnd(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"a": constantPCM(0.1, 10*rate, rate),
		"b": constantPCM(0.1, 10*rate, rate),
	}}
	engine := NewEngine(decoder, 0)

	result, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID: "p1",
		Tracks: []model.TrackRecord{
			track("t1", "a", 1, 0, 0, false),
			track("t2", "b", 1, 0, 5, false),
		},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DurationSeconds != 15 {
		t.Errorf("expected 15s (track b ends at 5+10), got %v", result.DurationSeconds)
	}
	if len(result.Samples) != 15*rate*2 {
		t.Errorf("expected %d samples, got %d", 15*rate*2, len(result.Samples))
	}
}

func TestMixNegativeStartOffsetTreatedAsZero(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"a": constantPCM(0.2, rate, rate),
	}}
	engine := NewEngine(decoder, 0)

	result, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "a", 1, 0, -3, false)},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DurationSeconds != 1 {
		t.Errorf("negative offset should place the track at zero, got duration %v", result.DurationSeconds)
	}
	want := 0.2 * math.Cos(math.Pi/4)
	if math.Abs(result.Samples[0]-want) > 1e-9 {
		t.Errorf("first frame should carry the track, got %v want %v", result.Samples[0], want)
	}
}

func TestMixSkipsMutedTracks(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"loud":  constantPCM(0.9, rate, rate),
		"quiet": constantPCM(0.1, rate, rate),
	}}
	engine := NewEngine(decoder, 0)

	result, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID: "p1",
		Tracks: []model.TrackRecord{
			track("t1", "loud", 1, 0, 0, true),
			track("t2", "quiet", 1, 0, 0, false),
		},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Only the quiet track contributes; center pan attenuates by cos(π/4).
	want := 0.1 * math.Cos(math.Pi/4)
	if math.Abs(result.Peak-want) > 1e-9 {
		t.Errorf("muted track leaked into the mix: peak %v, want %v", result.Peak, want)
	}
}

func TestMixAllMutedIsEmptyInput(t *testing.T) {
	engine := NewEngine(&fakeDecoder{}, 0)

	_, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID: "p1",
		Tracks: []model.TrackRecord{
			track("t1", "a", 1, 0, 0, true),
		},
		SampleRate: 1000,
	})
	var mixErr *Error
	if !errors.As(err, &mixErr) || mixErr.Kind != KindEmptyInput {
		t.Fatalf("expected empty_input, got %v", err)
	}

	_, err = engine.Mix(context.Background(), &model.MixdownRequest{ProjectID: "p1", SampleRate: 1000})
	if !errors.As(err, &mixErr) || mixErr.Kind != KindEmptyInput {
		t.Fatalf("expected empty_input for zero tracks, got %v", err)
	}
}

func TestMixIsDeterministic(t *testing.T) {
	const rate = 1000
	samples := make([]float64, rate*2)
	for i := range samples {
		samples[i] = math.Sin(float64(i) / 17)
	}
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"a": {Samples: samples, SampleRate: rate},
		"b": constantPCM(0.3, rate/2, rate),
	}}
	engine := NewEngine(decoder, 0)

	req := &model.MixdownRequest{
		ProjectID: "p1",
		Tracks: []model.TrackRecord{
			track("t1", "a", 0.8, -0.3, 0, false),
			track("t2", "b", 0.5, 0.7, 0.25, false),
		},
		SampleRate: rate,
	}

	first, err := engine.Mix(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.Mix(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Samples, second.Samples) {
		t.Error("identical inputs must render identical output")
	}
}

func TestPanLaw(t *testing.T) {
	left, right := PanGains(-1)
	if math.Abs(left-1) > 1e-9 || math.Abs(right) > 1e-9 {
		t.Errorf("hard left should be (1, 0), got (%v, %v)", left, right)
	}

	left, right = PanGains(1)
	if math.Abs(left) > 1e-9 || math.Abs(right-1) > 1e-9 {
		t.Errorf("hard right should be (0, 1), got (%v, %v)", left, right)
	}

	left, right = PanGains(0)
	center := math.Cos(math.Pi / 4)
	if math.Abs(left-center) > 1e-9 || math.Abs(right-center) > 1e-9 {
		t.Errorf("center should sit at cos(π/4) both sides, got (%v, %v)", left, right)
	}
	// Constant power: squares always sum to 1.
	for _, pan := range []float64{-1, -0.5, 0, 0.3, 1} {
		l, r := PanGains(pan)
		if math.Abs(l*l+r*r-1) > 1e-9 {
			t.Errorf("pan %v is not constant-power: %v", pan, l*l+r*r)
		}
	}
}

func TestMixHardLeftSilencesRightChannel(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"a": constantPCM(0.5, rate, rate),
	}}
	engine := NewEngine(decoder, 0)

	result, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "a", 1, -1, 0, false)},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	for frame := 0; frame < rate; frame++ {
		if math.Abs(result.Samples[frame*2+1]) > 1e-9 {
			t.Fatalf("right channel should be silent at hard left, frame %d = %v", frame, result.Samples[frame*2+1])
		}
	}
}

func TestLimiterNormalizesOnlyAboveCeiling(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"hot":  constantPCM(1, rate, rate),
		"mild": constantPCM(0.4, rate, rate),
	}}
	engine := NewEngine(decoder, DefaultCeiling)

	// Two full-scale tracks sum well past the ceiling.
	hot, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID: "p1",
		Tracks: []model.TrackRecord{
			track("t1", "hot", 1, 0, 0, false),
			track("t2", "hot", 1, 0, 0, false),
		},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(hot.Peak-DefaultCeiling) > 1e-9 {
		t.Errorf("hot mix should be normalized to the ceiling, peak %v", hot.Peak)
	}

	// A quiet mix must pass through untouched.
	mild, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "mild", 1, 0, 0, false)},
		SampleRate: rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := 0.4 * math.Cos(math.Pi/4)
	if math.Abs(mild.Peak-want) > 1e-9 {
		t.Errorf("quiet mix must not be scaled, peak %v want %v", mild.Peak, want)
	}
}

func TestMixCanceledContext(t *testing.T) {
	const rate = 1000
	decoder := &fakeDecoder{sources: map[string]*PCM{
		"a": constantPCM(0.5, rate, rate),
	}}
	engine := NewEngine(decoder, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Mix(ctx, &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "a", 1, 0, 0, false)},
		SampleRate: rate,
	})
	var mixErr *Error
	if !errors.As(err, &mixErr) || mixErr.Kind != KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if result != nil {
		t.Error("a canceled mix must never return partial output")
	}
}

func TestMixPropagatesDecodeFailure(t *testing.T) {
	engine := NewEngine(&fakeDecoder{}, 0)

	_, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "missing", 1, 0, 0, false)},
		SampleRate: 1000,
	})
	var mixErr *Error
	if !errors.As(err, &mixErr) || mixErr.Kind != KindDecodeFailed {
		t.Fatalf("expected decode_failed, got %v", err)
	}
	if mixErr.Ref != "missing" {
		t.Errorf("error should name the failing source, got %q", mixErr.Ref)
	}
}

func TestMixUnsupportedBitDepth(t *testing.T) {
	engine := NewEngine(&fakeDecoder{}, 0)

	_, err := engine.Mix(context.Background(), &model.MixdownRequest{
		ProjectID:  "p1",
		Tracks:     []model.TrackRecord{track("t1", "a", 1, 0, 0, false)},
		SampleRate: 1000,
		BitDepth:   24,
	})
	var mixErr *Error
	if !errors.As(err, &mixErr) || mixErr.Kind != KindUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestResampleChangesFrameCount(t *testing.T) {
	src := constantPCM(0.5, 500, 500)
	out := Resample(src, 1000)
	if out.SampleRate != 1000 {
		t.Errorf("expected rate 1000, got %d", out.SampleRate)
	}
	if out.Frames() != 1000 {
		t.Errorf("expected 1000 frames, got %d", out.Frames())
	}
	for i, sample := range out.Samples {
		if math.Abs(sample-0.5) > 1e-9 {
			t.Fatalf("constant signal should survive resampling, sample %d = %v", i, sample)
		}
	}
}
