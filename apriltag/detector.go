// Package apriltag defines the detection types and the detector capability
// the pose pipeline consumes. The concrete detector is a native binding
// injected by whoever assembles the pipeline; everything downstream depends
// only on the types here.
package apriltag

import (
	"context"

	"github.com/STMARobotics/QuestNav-sub003/capture"
)

// Family is the fiducial family every field tag belongs to.
const Family = "tag36h11"

// Point2 is a sub-pixel image coordinate.
type Point2 struct {
	X float64
	Y float64
}

// Detection is one decoded tag in a frame: its id plus four sub-pixel corner
// coordinates ordered bottom-left, bottom-right, top-right, top-left. Consumed
// immediately by the pose pipeline, never retained across frames.
type Detection struct {
	ID      int
	Corners [4]Point2
}

// Detector runs fiducial detection on a grayscale frame. Implementations wrap
// the native tag detector; tests inject synthetic detections.
type Detector interface {
	Detect(ctx context.Context, gray *capture.GrayImage) ([]Detection, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(ctx context.Context, gray *capture.GrayImage) ([]Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, gray *capture.GrayImage) ([]Detection, error) {
	return f(ctx, gray)
}
