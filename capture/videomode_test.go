package capture

import (
	"testing"
)

var testResolutions = []Resolution{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
}

func TestEnumerateModes(t *testing.T) {
	modes := EnumerateModes(testResolutions)
	if got, want := len(modes), len(testResolutions)*7; got != want {
		t.Fatalf("mode count: got %d, want %d", got, want)
	}

	// resolution-major: the first block is all rates for the first resolution
	for i := 0; i < 7; i++ {
		if modes[i].Width != 640 || modes[i].Height != 480 {
			t.Errorf("mode %d: got %dx%d, want 640x480", i, modes[i].Width, modes[i].Height)
		}
	}
	wantFPS := []int{1, 5, 15, 24, 30, 48, 60}
	for i, fps := range wantFPS {
		if modes[i].FPS != fps {
			t.Errorf("mode %d fps: got %d, want %d", i, modes[i].FPS, fps)
		}
	}
	for _, m := range modes {
		if m.PixelFormat != PixelFormatRGBA32 {
			t.Errorf("pixel format: got %s, want %s", m.PixelFormat, PixelFormatRGBA32)
		}
	}
}

func TestDefaultModeIndex(t *testing.T) {
	modes := EnumerateModes(testResolutions)
	idx := DefaultModeIndex(modes)
	if modes[idx].FPS != 30 {
		t.Errorf("default mode fps: got %d, want 30", modes[idx].FPS)
	}
	if modes[idx].Width != 640 {
		t.Errorf("default mode width: got %d, want 640", modes[idx].Width)
	}

	if got := DefaultModeIndex(nil); got != 0 {
		t.Errorf("default index of empty list: got %d, want 0", got)
	}
}

func TestVideoModeString(t *testing.T) {
	m := VideoMode{PixelFormat: PixelFormatRGBA32, Width: 640, Height: 480, FPS: 30}
	if got, want := m.String(), "rgba32 640x480@30"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}
