// Package solver recovers a camera's field-space pose from matched 2D image
// points and 3D field points (the perspective-n-point problem). Two strategies
// are provided behind one interface: an iterative solve with a closed-form
// initialization, and a RANSAC wrapper for outlier-contaminated input.
package solver

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
)

// DefaultMaxReprojErrPx is the default acceptance threshold for a
// correspondence's reprojection error.
const DefaultMaxReprojErrPx = 12.0

// ErrNoCorrespondences is returned when a solve is attempted with no input
// points.
var ErrNoCorrespondences = errors.New("no correspondences to solve from")

// Intrinsics is a simple pinhole camera model: focal lengths and principal
// point, in pixels. No distortion terms.
type Intrinsics struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
}

// Correspondences pairs 2D image points with 3D field points. The Nth image
// point must match the Nth field point; this alignment is a strict invariant
// the pipeline maintains.
type Correspondences struct {
	Image []apriltag.Point2
	Field []r3.Vector
}

// Len returns the number of point pairs.
func (c Correspondences) Len() int { return len(c.Image) }

func (c Correspondences) validate() error {
	if len(c.Image) == 0 {
		return ErrNoCorrespondences
	}
	if len(c.Image) != len(c.Field) {
		return fmt.Errorf("correspondence arrays misaligned: %d image points vs %d field points",
			len(c.Image), len(c.Field))
	}
	return nil
}

// Estimate is a solved camera pose in field space plus the number of
// correspondences the solver accepted within the reprojection threshold. A
// failed solve yields no Estimate at all.
type Estimate struct {
	Pose           spatialmath.Pose
	AcceptedPoints int
}

// Solver is the strategy interface: correspondences + intrinsics + threshold
// in, pose + acceptance metric out, or an explicit failure. Exactly one
// variant is active in a given configuration.
type Solver interface {
	Solve(corr Correspondences, intr Intrinsics, maxReprojErrPx float64) (Estimate, error)
}

// behindCameraPenalty is the squared-pixel cost charged per point that
// projects behind the camera during optimization.
const behindCameraPenalty = 1.0e6

// minDepth guards the projection against division by near-zero depth.
const minDepth = 1e-9

// camPose is the world-to-camera transform in a flat form the inner
// optimization loops can evaluate without heap churn.
type camPose struct {
	// camera center in field space
	c r3.Vector
	// unit quaternion rotating camera-frame vectors into field frame
	qw, qx, qy, qz float64
}

// worldToCamera maps a field point into the camera frame (+Z forward).
func (p camPose) worldToCamera(w r3.Vector) r3.Vector {
	d := w.Sub(p.c)
	// rotate by the conjugate quaternion
	return rotate(p.qw, -p.qx, -p.qy, -p.qz, d)
}

// rotate applies the unit quaternion (w,x,y,z) to vector v.
func rotate(w, x, y, z float64, v r3.Vector) r3.Vector {
	// v' = v + 2*q_vec x (q_vec x v + w*v)
	qv := r3.Vector{X: x, Y: y, Z: z}
	t := qv.Cross(v).Add(v.Mul(w))
	return v.Add(qv.Cross(t).Mul(2))
}

// project maps a camera-frame point to pixel coordinates. ok is false when
// the point is at or behind the camera plane.
func project(pc r3.Vector, intr Intrinsics) (u, v float64, ok bool) {
	if pc.Z < minDepth {
		return 0, 0, false
	}
	u = intr.Fx*pc.X/pc.Z + intr.Cx
	v = intr.Fy*pc.Y/pc.Z + intr.Cy
	return u, v, true
}

// reprojErrors computes the per-point reprojection error in pixels. Points
// behind the camera get +Inf.
func reprojErrors(pose camPose, corr Correspondences, intr Intrinsics) []float64 {
	errs := make([]float64, corr.Len())
	for i := range corr.Image {
		pc := pose.worldToCamera(corr.Field[i])
		u, v, ok := project(pc, intr)
		if !ok {
			errs[i] = math.Inf(1)
			continue
		}
		du := u - corr.Image[i].X
		dv := v - corr.Image[i].Y
		errs[i] = math.Hypot(du, dv)
	}
	return errs
}

// countAccepted returns how many errors fall within the threshold.
func countAccepted(errs []float64, maxReprojErrPx float64) int {
	n := 0
	for _, e := range errs {
		if e <= maxReprojErrPx {
			n++
		}
	}
	return n
}

// reprojCost is the optimization objective: sum of squared pixel errors, with
// a fixed penalty per point behind the camera.
func reprojCost(pose camPose, corr Correspondences, intr Intrinsics) float64 {
	sum := 0.0
	for i := range corr.Image {
		pc := pose.worldToCamera(corr.Field[i])
		u, v, ok := project(pc, intr)
		if !ok {
			sum += behindCameraPenalty
			continue
		}
		du := u - corr.Image[i].X
		dv := v - corr.Image[i].Y
		sum += du*du + dv*dv
	}
	return sum
}

// poseFromParams normalizes the 7-vector [tx,ty,tz,qw,qx,qy,qz] into a
// camPose. ok is false for a degenerate (near-zero) quaternion.
func poseFromParams(params []float64) (camPose, bool) {
	qw, qx, qy, qz := params[3], params[4], params[5], params[6]
	n := math.Sqrt(qw*qw + qx*qx + qy*qy + qz*qz)
	if n < 1e-12 {
		return camPose{}, false
	}
	return camPose{
		c:  r3.Vector{X: params[0], Y: params[1], Z: params[2]},
		qw: qw / n, qx: qx / n, qy: qy / n, qz: qz / n,
	}, true
}

// toSpatialPose converts the flat pose into the shared spatialmath form.
func (p camPose) toSpatialPose() spatialmath.Pose {
	return spatialmath.NewPose(p.c, &spatialmath.Quaternion{
		Real: p.qw, Imag: p.qx, Jmag: p.qy, Kmag: p.qz,
	})
}

// camPoseFromSpatial flattens a spatialmath pose for the inner loops.
func camPoseFromSpatial(pose spatialmath.Pose) camPose {
	q := pose.Orientation().Quaternion()
	pt := pose.Point()
	return camPose{
		c:  pt,
		qw: q.Real, qx: q.Imag, qy: q.Jmag, qz: q.Kmag,
	}
}
