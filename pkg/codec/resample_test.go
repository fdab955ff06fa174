package codec

import (
	"testing"
)

func TestResample_SameRate(t *testing.T) {
	samples := []int16{100, 200, 300, 400, 500}
	result := Resample(samples, 8000, 8000)

	if len(result) != len(samples) {
		t.Errorf("Expected %d samples, got %d", len(samples), len(result))
	}
	for i, s := range samples {
		if result[i] != s {
			t.Errorf("Sample %d: expected %d, got %d", i, s, result[i])
		}
	}
}

func TestResample_Downsample(t *testing.T) {
	// 16kHz -> 8kHz (2:1 ratio)
	samples := make([]int16, 320) // 20ms at 16kHz
	for i := range samples {
		samples[i] = int16(i)
	}

	result := Resample(samples, 16000, 8000)
	if len(result) != 160 {
		t.Errorf("Expected 160 samples, got %d", len(result))
	}
	if result[1] != 2 {
		t.Errorf("Expected every other sample, got %d at index 1", result[1])
	}
}

func TestResample_Upsample(t *testing.T) {
	// 8kHz -> 24kHz (1:3 ratio)
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(i * 30)
	}

	result := Resample(samples, 8000, 24000)
	if len(result) != 480 {
		t.Errorf("Expected 480 samples, got %d", len(result))
	}
	// Interpolated values lie between neighbours.
	if result[1] <= result[0] || result[1] >= result[3] {
		t.Errorf("interpolation out of order: %v", result[:4])
	}
}

func TestResample_Empty(t *testing.T) {
	if result := Resample(nil, 8000, 16000); len(result) != 0 {
		t.Errorf("Expected empty result for nil input")
	}
}

func TestBytesSamplesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	got := BytesToSamples(SamplesToBytes(samples))
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
	if len(BytesToSamples([]byte{1, 2, 3})) != 1 {
		t.Error("odd trailing byte should be dropped")
	}
}
