package mixdown

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/TyrellHaywood/echo-sub001/model"
)

func TestEncodeWAVHeader(t *testing.T) {
	result := &model.MixdownResult{
		Samples:    []float64{0, 0.5, -0.5, 1},
		SampleRate: 44100,
	}

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, result, 16); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	if len(data) != 44+len(result.Samples)*2 {
		t.Fatalf("expected %d bytes, got %d", 44+len(result.Samples)*2, len(data))
	}

	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 2 {
		t.Errorf("expected 2 channels, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 44100 {
		t.Errorf("expected rate 44100, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Errorf("expected 16 bits, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != uint32(len(result.Samples)*2) {
		t.Errorf("data chunk size wrong: %d", got)
	}
}

func TestEncodeWAVSampleConversion(t *testing.T) {
	result := &model.MixdownResult{
		Samples:    []float64{0, 1, -1, 0.5, 2, -2}, // last two exceed full scale
		SampleRate: 8000,
	}

	var buf bytes.Buffer
	if err := EncodeWAV(&buf, result, 16); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()[44:]
	want := []int16{0, 32767, -32767, 16384, 32767, -32767}
	for i, expected := range want {
		got := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		if got != expected {
			t.Errorf("sample %d: got %d, want %d", i, got, expected)
		}
	}
}

func TestEncodeWAVRejectsOtherDepths(t *testing.T) {
	result := &model.MixdownResult{Samples: []float64{0, 0}, SampleRate: 8000}

	var buf bytes.Buffer
	err := EncodeWAV(&buf, result, 24)
	var mixErr *Error
	if !errors.As(err, &mixErr) || mixErr.Kind != KindUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
