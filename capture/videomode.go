package capture

import (
	"fmt"
)

// PixelFormatRGBA32 is the only pixel layout the passthrough host delivers.
const PixelFormatRGBA32 = "rgba32"

// fpsCandidates is the fixed frame-rate candidate list crossed with the
// host's supported resolutions to form the selectable mode set.
var fpsCandidates = []int{1, 5, 15, 24, 30, 48, 60}

// Resolution is a supported camera resolution reported by the host.
type Resolution struct {
	Width  int
	Height int
}

// VideoMode is an immutable {format, resolution, fps} tuple. Exactly one mode
// is selected at a time.
type VideoMode struct {
	PixelFormat string
	Width       int
	Height      int
	FPS         int
}

func (m VideoMode) String() string {
	return fmt.Sprintf("%s %dx%d@%d", m.PixelFormat, m.Width, m.Height, m.FPS)
}

// EnumerateModes builds the full mode list: supported resolutions crossed with
// the fixed fps candidates, resolution-major so that all rates for one
// resolution are adjacent.
func EnumerateModes(resolutions []Resolution) []VideoMode {
	modes := make([]VideoMode, 0, len(resolutions)*len(fpsCandidates))
	for _, res := range resolutions {
		for _, fps := range fpsCandidates {
			modes = append(modes, VideoMode{
				PixelFormat: PixelFormatRGBA32,
				Width:       res.Width,
				Height:      res.Height,
				FPS:         fps,
			})
		}
	}
	return modes
}

// DefaultModeIndex picks the deterministic initial mode: the first resolution
// at 30fps when available, else index 0. Not user-driven until overridden via
// SetMode.
func DefaultModeIndex(modes []VideoMode) int {
	for i, m := range modes {
		if m.FPS == 30 {
			return i
		}
	}
	return 0
}
