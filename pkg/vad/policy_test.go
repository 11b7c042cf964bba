package vad_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/vad"
)

func TestDefaultPolicy_Valid(t *testing.T) {
	if err := vad.DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := vad.Policy{SmoothingWindow: 5, MarginLow: 0, MarginHigh: 0}.WithDefaults()
	if p.SmoothingWindow != 5 {
		t.Errorf("SmoothingWindow = %d, want 5 (explicit value kept)", p.SmoothingWindow)
	}
	if p.MarginHigh != 60 || p.MarginLow != 20 {
		t.Errorf("margins = %v/%v, want 60/20", p.MarginHigh, p.MarginLow)
	}
	if len(p.Buckets) != 4 || p.AttemptTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", p)
	}

	// An explicit zero MarginLow survives when MarginHigh is set.
	p = vad.Policy{MarginHigh: 40}.WithDefaults()
	if p.MarginHigh != 40 || p.MarginLow != 0 {
		t.Errorf("margins = %v/%v, want 40/0", p.MarginHigh, p.MarginLow)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPolicy_WithDefaultsCopiesBuckets(t *testing.T) {
	orig := vad.DefaultPolicy()
	p := orig.WithDefaults()
	p.Buckets[0].Speech = 9999
	if orig.Buckets[0].Speech == 9999 {
		t.Error("WithDefaults shares the bucket slice with its receiver")
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*vad.Policy)
		wantErr string
	}{
		{
			name:    "missing bucket",
			mutate:  func(p *vad.Policy) { p.Buckets = p.Buckets[:3] },
			wantErr: "buckets: got 3",
		},
		{
			name:    "classes out of order",
			mutate:  func(p *vad.Policy) { p.Buckets[1].Class = vad.HighNoise },
			wantErr: "buckets[1].class",
		},
		{
			name:    "silence above speech",
			mutate:  func(p *vad.Policy) { p.Buckets[2].Silence = 400 },
			wantErr: "buckets[2]: need 0 <= silence < speech",
		},
		{
			name:    "zero min speech frames",
			mutate:  func(p *vad.Policy) { p.Buckets[0].MinSpeechFrames = 0 },
			wantErr: "buckets[0].min_speech_frames",
		},
		{
			name:    "upper mean not ascending",
			mutate:  func(p *vad.Policy) { p.Buckets[2].UpperMean = 40 },
			wantErr: "buckets[2].upper_mean",
		},
		{
			name:    "decreasing base",
			mutate:  func(p *vad.Policy) { p.Buckets[3].Speech = 250 },
			wantErr: "must not decrease",
		},
		{
			name:    "margin order",
			mutate:  func(p *vad.Policy) { p.MarginHigh, p.MarginLow = 20, 20 },
			wantErr: "margin_high > margin_low",
		},
		{
			name:    "margin above quiet base",
			mutate:  func(p *vad.Policy) { p.MarginHigh = 100 },
			wantErr: "margins must not exceed",
		},
		{
			name:    "zero smoothing",
			mutate:  func(p *vad.Policy) { p.SmoothingWindow = 0 },
			wantErr: "smoothing_window",
		},
		{
			name:    "negative max duration",
			mutate:  func(p *vad.Policy) { p.MaxDuration = -time.Second },
			wantErr: "max_duration",
		},
		{
			name:    "zero attempt timeout",
			mutate:  func(p *vad.Policy) { p.AttemptTimeout = 0 },
			wantErr: "attempt_timeout",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := vad.DefaultPolicy()
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestPolicy_ValidateJoinsErrors(t *testing.T) {
	p := vad.DefaultPolicy()
	p.ArmingFrames = 0
	p.SilenceTimeoutFrames = 0
	err := p.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"arming_frames", "silence_timeout_frames"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestPolicy_Bucket(t *testing.T) {
	p := vad.DefaultPolicy()
	b, ok := p.Bucket(vad.ModerateNoise)
	if !ok || b.Speech != 300 || b.Silence != 120 || b.MinSpeechFrames != 5 {
		t.Errorf("Bucket(moderate_noise) = %+v, %v", b, ok)
	}
	if _, ok := p.Bucket(vad.EnvironmentClass(9)); ok {
		t.Error("Bucket(9) found, want missing")
	}
}

func TestEnvironmentClass_Text(t *testing.T) {
	tests := []struct {
		in      string
		want    vad.EnvironmentClass
		wantErr bool
	}{
		{in: "quiet_room", want: vad.QuietRoom},
		{in: "LOW_NOISE", want: vad.LowNoise},
		{in: " Moderate_Noise ", want: vad.ModerateNoise},
		{in: "high_noise", want: vad.HighNoise},
		{in: "deafening", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			var c vad.EnvironmentClass
			err := c.UnmarshalText([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", c)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c != tc.want {
				t.Errorf("got %s, want %s", c, tc.want)
			}
			out, err := c.MarshalText()
			if err != nil {
				t.Fatalf("MarshalText: %v", err)
			}
			if string(out) != tc.want.String() {
				t.Errorf("MarshalText = %q, want %q", out, tc.want.String())
			}
		})
	}

	if _, err := vad.EnvironmentClass(7).MarshalText(); err == nil {
		t.Error("MarshalText(7) should fail")
	}
	if got := vad.EnvironmentClass(7).String(); got != "EnvironmentClass(7)" {
		t.Errorf("String(7) = %q", got)
	}
}

func TestProfile_Classify(t *testing.T) {
	p := testProfile()
	tests := []struct {
		energy float64
		want   vad.FrameClass
	}{
		{0, vad.FrameSilence},
		{89.9, vad.FrameSilence},
		{90, vad.FrameNoise},
		{179.9, vad.FrameNoise},
		{180, vad.FrameSpeech},
		{5000, vad.FrameSpeech},
	}
	for _, tc := range tests {
		if got := p.Classify(tc.energy); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.energy, got, tc.want)
		}
	}
	if !(vad.Profile{}).IsZero() || p.IsZero() {
		t.Error("IsZero mismatch")
	}
}
