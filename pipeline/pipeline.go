// Package pipeline joins per-frame tag detections with the field layout and
// drives the pose solver, exposing the latest field-relative pose estimate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
	"github.com/STMARobotics/QuestNav-sub003/capture"
	"github.com/STMARobotics/QuestNav-sub003/layout"
	"github.com/STMARobotics/QuestNav-sub003/solver"
)

// ErrNoPose is the explicit "no pose available" result: zero usable
// correspondences or a solver failure. Never substituted with a stale or
// zeroed pose.
var ErrNoPose = errors.New("no pose available")

// Pose2d is a field-relative 2D pose: x forward, y left, rotation
// counter-clockwise positive, all in meters/radians.
type Pose2d struct {
	X        float64
	Y        float64
	Rotation float64
}

// Stats is a snapshot of pipeline accounting.
type Stats struct {
	FramesProcessed   uint64
	FramesWithPose    uint64
	FramesWithoutPose uint64
	DroppedWhileBusy  uint64
	ConsecutiveMisses uint64
	TrackingLost      bool
}

// trackingLostThreshold is how many consecutive no-pose frames flip the
// tracking-lost flag.
const trackingLostThreshold = 30

// IntrinsicsProvider supplies the pinhole parameters for the frame being
// solved; they are read fresh per frame, never retained.
type IntrinsicsProvider func() solver.Intrinsics

// Pipeline owns the detection-to-pose path plus the pose-rebase offset
// applied by pose-reset commands.
type Pipeline struct {
	logger         logging.Logger
	registry       *layout.Registry
	detector       apriltag.Detector
	slv            solver.Solver
	intrinsics     IntrinsicsProvider
	maxReprojErrPx float64

	mu        sync.Mutex
	busy      bool
	latest    *solver.Estimate
	latestRaw *Pose2d
	offset    rigid2d
	stats     Stats
}

// New assembles a pipeline. The detector and solver are injected strategies.
func New(registry *layout.Registry, detector apriltag.Detector, slv solver.Solver,
	intrinsics IntrinsicsProvider, maxReprojErrPx float64, logger logging.Logger,
) *Pipeline {
	if maxReprojErrPx <= 0 {
		maxReprojErrPx = solver.DefaultMaxReprojErrPx
	}
	return &Pipeline{
		logger:         logger,
		registry:       registry,
		detector:       detector,
		slv:            slv,
		intrinsics:     intrinsics,
		maxReprojErrPx: maxReprojErrPx,
	}
}

// HandleFrame is the capture.FrameHandler entry point. A still-running solve
// is back-pressure: the new frame is dropped rather than queued.
func (p *Pipeline) HandleFrame(ctx context.Context, gray *capture.GrayImage, index uint64) {
	p.mu.Lock()
	if p.busy {
		p.stats.DroppedWhileBusy++
		p.mu.Unlock()
		return
	}
	p.busy = true
	p.mu.Unlock()

	viamutils.PanicCapturingGo(func() {
		defer func() {
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
		}()
		if err := p.processFrame(ctx, gray); err != nil && !errors.Is(err, ErrNoPose) {
			p.logger.Warnf("frame %d: %v", index, err)
		}
	})
}

func (p *Pipeline) processFrame(ctx context.Context, gray *capture.GrayImage) error {
	detections, err := p.detector.Detect(ctx, gray)
	if err != nil {
		p.recordMiss()
		return fmt.Errorf("tag detection failed: %w", err)
	}
	_, err = p.ProcessDetections(ctx, detections)
	return err
}

// ProcessDetections runs the join-and-solve step for one frame's detections
// and updates the latest estimate. Failures propagate as ErrNoPose.
func (p *Pipeline) ProcessDetections(ctx context.Context, detections []apriltag.Detection) (solver.Estimate, error) {
	corr := p.correspondences(detections)
	if corr.Len() == 0 {
		p.recordMiss()
		return solver.Estimate{}, ErrNoPose
	}

	est, err := p.slv.Solve(corr, p.intrinsics(), p.maxReprojErrPx)
	if err != nil {
		p.recordMiss()
		p.logger.Debugf("pose solve failed: %v", err)
		return solver.Estimate{}, fmt.Errorf("%w: %v", ErrNoPose, err)
	}

	raw := pose2dFromEstimate(est)
	p.mu.Lock()
	p.stats.FramesProcessed++
	p.stats.FramesWithPose++
	p.stats.ConsecutiveMisses = 0
	if p.stats.TrackingLost {
		p.logger.Info("tracking recovered")
		p.stats.TrackingLost = false
	}
	p.latest = &est
	p.latestRaw = &raw
	p.mu.Unlock()
	return est, nil
}

func (p *Pipeline) recordMiss() {
	p.mu.Lock()
	p.stats.FramesProcessed++
	p.stats.FramesWithoutPose++
	p.stats.ConsecutiveMisses++
	if !p.stats.TrackingLost && p.stats.ConsecutiveMisses >= trackingLostThreshold {
		p.logger.Warn("tracking lost")
		p.stats.TrackingLost = true
	}
	p.mu.Unlock()
}

// correspondences concatenates all matched detections' corners, four points
// per tag, 2D and 3D arrays index-aligned. Unknown tag ids skip only that
// detection; duplicate ids contribute independently.
func (p *Pipeline) correspondences(detections []apriltag.Detection) solver.Correspondences {
	var corr solver.Correspondences
	for _, det := range detections {
		entry, ok := p.registry.Lookup(det.ID)
		if !ok {
			p.logger.Warnf("tag id %d not in field layout, skipping detection", det.ID)
			continue
		}
		for i := 0; i < 4; i++ {
			corr.Image = append(corr.Image, det.Corners[i])
			corr.Field = append(corr.Field, entry.Corners[i])
		}
	}
	return corr
}

// LatestEstimate returns the latest successful raw solver estimate.
func (p *Pipeline) LatestEstimate() (solver.Estimate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return solver.Estimate{}, false
	}
	return *p.latest, true
}

// LatestPose returns the latest field-relative 2D pose with the pose-reset
// rebase offset applied.
func (p *Pipeline) LatestPose() (Pose2d, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latestRaw == nil {
		return Pose2d{}, false
	}
	rebased := p.offset.apply(*p.latestRaw)
	return rebased, true
}

// ResetPose rebases the reported coordinate frame so the current pose reads
// as target. With no estimate yet the offset simply maps the origin to
// target.
func (p *Pipeline) ResetPose(target Pose2d) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw := Pose2d{}
	if p.latestRaw != nil {
		raw = *p.latestRaw
	}
	p.offset = rigidFromPose(target).compose(rigidFromPose(raw).inverse())
	p.logger.Infof("pose rebased: current now reads (%.3f, %.3f, %.3f rad)", target.X, target.Y, target.Rotation)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func pose2dFromEstimate(est solver.Estimate) Pose2d {
	pt := est.Pose.Point()
	yaw := est.Pose.Orientation().EulerAngles().Yaw
	return Pose2d{X: pt.X, Y: pt.Y, Rotation: yaw}
}

// rigid2d is a planar rigid transform used for the pose-rebase offset.
type rigid2d struct {
	x, y, theta float64
}

func rigidFromPose(p Pose2d) rigid2d {
	return rigid2d{x: p.X, y: p.Y, theta: p.Rotation}
}

func (a rigid2d) compose(b rigid2d) rigid2d {
	sin, cos := math.Sincos(a.theta)
	return rigid2d{
		x:     a.x + cos*b.x - sin*b.y,
		y:     a.y + sin*b.x + cos*b.y,
		theta: normalizeAngle(a.theta + b.theta),
	}
}

func (a rigid2d) inverse() rigid2d {
	sin, cos := math.Sincos(a.theta)
	return rigid2d{
		x:     -(cos*a.x + sin*a.y),
		y:     -(-sin*a.x + cos*a.y),
		theta: normalizeAngle(-a.theta),
	}
}

func (a rigid2d) apply(p Pose2d) Pose2d {
	sin, cos := math.Sincos(a.theta)
	return Pose2d{
		X:        a.x + cos*p.X - sin*p.Y,
		Y:        a.y + sin*p.X + cos*p.Y,
		Rotation: normalizeAngle(a.theta + p.Rotation),
	}
}

func normalizeAngle(theta float64) float64 {
	for theta > math.Pi {
		theta -= 2 * math.Pi
	}
	for theta < -math.Pi {
		theta += 2 * math.Pi
	}
	return theta
}
