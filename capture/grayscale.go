package capture

import (
	"runtime"
	"sync"
	"time"

	viamutils "go.viam.com/utils"
)

// RawFrame is one captured RGBA buffer. Immutable once captured; the next
// capture produces a fresh frame rather than mutating this one.
type RawFrame struct {
	Width      int
	Height     int
	Stride     int // bytes per row, >= Width*4
	Pixels     []byte
	CapturedAt time.Time
}

// GrayImage is a single-channel intensity buffer ready for tag detection.
type GrayImage struct {
	Width  int
	Height int
	Pixels []byte // Width*Height, row-major
}

// Grayscale converts an RGBA frame into an intensity buffer using the
// fixed-point BT.601 luma approximation (77R + 150G + 29B) >> 8. When flip is
// set, output row y reads source row height-1-y, correcting for hosts that
// deliver textures bottom-up.
//
// Rows are independent and written disjointly, so the work is split across
// parallel workers. The call returns only once every row is converted.
func Grayscale(src *RawFrame, flip bool) *GrayImage {
	dst := &GrayImage{
		Width:  src.Width,
		Height: src.Height,
		Pixels: make([]byte, src.Width*src.Height),
	}

	workers := runtime.NumCPU()
	if workers > src.Height {
		workers = src.Height
	}
	if workers < 1 {
		workers = 1
	}

	rowsPerWorker := (src.Height + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if endRow > src.Height {
			endRow = src.Height
		}
		if startRow >= endRow {
			continue
		}
		wg.Add(1)
		viamutils.PanicCapturingGo(func() {
			defer wg.Done()
			grayscaleRows(dst, src, startRow, endRow, flip)
		})
	}
	wg.Wait()
	return dst
}

func grayscaleRows(dst *GrayImage, src *RawFrame, startRow, endRow int, flip bool) {
	for y := startRow; y < endRow; y++ {
		srcY := y
		if flip {
			srcY = src.Height - 1 - y
		}
		srcRow := src.Pixels[srcY*src.Stride:]
		dstRow := dst.Pixels[y*dst.Width : (y+1)*dst.Width]
		for x := 0; x < src.Width; x++ {
			r := uint32(srcRow[x*4])
			g := uint32(srcRow[x*4+1])
			b := uint32(srcRow[x*4+2])
			dstRow[x] = byte((77*r + 150*g + 29*b) >> 8)
		}
	}
}
