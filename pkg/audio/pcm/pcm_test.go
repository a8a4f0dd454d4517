package pcm

import (
	"testing"
	"time"
)

func TestFormat_BytesIn(t *testing.T) {
	tests := []struct {
		format Format
		d      time.Duration
		want   int
	}{
		{L16Mono16K, 60 * time.Millisecond, 1920},
		{L16Mono16K, time.Second, 32000},
		{L16Mono24K, 20 * time.Millisecond, 960},
		{L16Mono48K, 10 * time.Millisecond, 960},
	}
	for _, tc := range tests {
		if got := tc.format.BytesIn(tc.d); got != tc.want {
			t.Errorf("%v.BytesIn(%v) = %d; want %d", tc.format, tc.d, got, tc.want)
		}
	}
}

func TestFormat_Duration(t *testing.T) {
	if got := L16Mono16K.Duration(1920); got != 60*time.Millisecond {
		t.Errorf("Duration(1920) = %v; want 60ms", got)
	}
}

func TestFromRate(t *testing.T) {
	if f, ok := FromRate(16000); !ok || f != L16Mono16K {
		t.Errorf("FromRate(16000) = %v, %v", f, ok)
	}
	if _, ok := FromRate(44100); ok {
		t.Error("FromRate(44100) should not be supported")
	}
}
