package model

// MixdownRequest is a snapshot handed to the mixdown engine. Muted tracks
// may be included; the engine skips them.
type MixdownRequest struct {
	ProjectID  string        `json:"projectId"`
	Tracks     []TrackRecord `json:"tracks"`
	SampleRate int           `json:"sampleRate"` // target rate, e.g. 44100
	BitDepth   int           `json:"bitDepth"`   // output bit depth, 16 supported
}

// MixdownResult is one combined stereo buffer. Samples are interleaved L/R
// float64 in [-1, 1] at SampleRate.
type MixdownResult struct {
	Samples         []float64 `json:"-"`
	SampleRate      int       `json:"sampleRate"`
	DurationSeconds float64   `json:"durationSeconds"`
	Peak            float64   `json:"peak"` // post-limit peak amplitude
}
