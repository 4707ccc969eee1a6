package audio_test

import (
	"testing"

	"github.com/kestrad/voxtail/pkg/audio"
)

func TestConstants(t *testing.T) {
	t.Parallel()
	if audio.BytesPerMS != 192 {
		t.Errorf("BytesPerMS = %d, want 192", audio.BytesPerMS)
	}
	if audio.FrameBytes != 3840 {
		t.Errorf("FrameBytes = %d, want 3840", audio.FrameBytes)
	}
	if audio.WindowBytes != 5_760_000 {
		t.Errorf("WindowBytes = %d, want 5760000", audio.WindowBytes)
	}
	if !audio.FrameAligned(audio.WindowBytes) {
		t.Error("a full window must be frame-aligned")
	}
}

func TestCeilMSToFrames(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want int64
	}{
		{0, 0},
		{-5, 0},
		{15, 20},
		{20, 20},
		{21, 40},
		{2961, 2980},
		{120_000, 120_000},
	}
	for _, c := range cases {
		if got := audio.CeilMSToFrames(c.in); got != c.want {
			t.Errorf("CeilMSToFrames(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCeilToFrame(t *testing.T) {
	t.Parallel()
	if got := audio.CeilToFrame(1); got != audio.FrameBytes {
		t.Errorf("CeilToFrame(1) = %d, want %d", got, audio.FrameBytes)
	}
	if got := audio.CeilToFrame(audio.FrameBytes); got != audio.FrameBytes {
		t.Errorf("CeilToFrame(FrameBytes) = %d, want %d", got, audio.FrameBytes)
	}
}

func TestInt16RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 256}
	got := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestStereoToMono_Averages(t *testing.T) {
	t.Parallel()
	// One stereo frame: L=100, R=200 -> mono 150.
	in := audio.Int16sToBytes([]int16{100, 200})
	out := audio.BytesToInt16s(audio.StereoToMono(in))
	if len(out) != 1 || out[0] != 150 {
		t.Fatalf("StereoToMono = %v, want [150]", out)
	}
}

func TestDurationMS(t *testing.T) {
	t.Parallel()
	if got := audio.DurationMS(audio.WindowBytes); got != audio.WindowMS {
		t.Errorf("DurationMS(WindowBytes) = %d, want %d", got, audio.WindowMS)
	}
	if got := audio.DurationMS(audio.FrameBytes); got != audio.FrameMS {
		t.Errorf("DurationMS(FrameBytes) = %d, want %d", got, audio.FrameMS)
	}
}
