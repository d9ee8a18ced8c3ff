package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
	"github.com/STMARobotics/QuestNav-sub003/capture"
	"github.com/STMARobotics/QuestNav-sub003/layout"
	"github.com/STMARobotics/QuestNav-sub003/solver"
)

// stubSolver returns a canned estimate and records what it was fed.
type stubSolver struct {
	est     solver.Estimate
	err     error
	lastLen int
	calls   int
}

func (s *stubSolver) Solve(corr solver.Correspondences, intr solver.Intrinsics, maxReprojErrPx float64) (solver.Estimate, error) {
	s.calls++
	s.lastLen = corr.Len()
	if s.err != nil {
		return solver.Estimate{}, s.err
	}
	return s.est, nil
}

func testRegistry(t *testing.T) *layout.Registry {
	t.Helper()
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 4, Y: 2, Z: 1})
	reg, err := layout.New([]layout.Entry{layout.EntryFromPose(7, pose, 0.2)})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return reg
}

func fixedIntrinsics() solver.Intrinsics {
	return solver.Intrinsics{Fx: 600, Fy: 600, Cx: 320, Cy: 240}
}

func noDetections(ctx context.Context, gray *capture.GrayImage) ([]apriltag.Detection, error) {
	return nil, nil
}

func testEstimate(x, y, yaw float64) solver.Estimate {
	return solver.Estimate{
		Pose:           spatialmath.NewPose(r3.Vector{X: x, Y: y}, &spatialmath.EulerAngles{Yaw: yaw}),
		AcceptedPoints: 4,
	}
}

func detection(id int) apriltag.Detection {
	return apriltag.Detection{
		ID: id,
		Corners: [4]apriltag.Point2{
			{X: 100, Y: 200}, {X: 150, Y: 200}, {X: 150, Y: 150}, {X: 100, Y: 150},
		},
	}
}

func newTestPipeline(t *testing.T, slv solver.Solver) *Pipeline {
	t.Helper()
	logger := logging.NewTestLogger(t)
	return New(testRegistry(t), apriltag.DetectorFunc(noDetections), slv, fixedIntrinsics, 0, logger)
}

func TestUnknownTagSkipped(t *testing.T) {
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := newTestPipeline(t, slv)

	_, err := p.ProcessDetections(context.Background(), []apriltag.Detection{
		detection(7),
		detection(99),
	})
	if err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}
	// the unknown tag contributes nothing; the known tag contributes 4 points
	if slv.lastLen != 4 {
		t.Errorf("correspondence count: got %d, want 4", slv.lastLen)
	}
}

func TestNoMatchesYieldsNoPose(t *testing.T) {
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := newTestPipeline(t, slv)

	_, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(99)})
	if !errors.Is(err, ErrNoPose) {
		t.Errorf("got %v, want ErrNoPose", err)
	}
	if slv.calls != 0 {
		t.Errorf("solver calls: got %d, want 0", slv.calls)
	}
	if _, ok := p.LatestPose(); ok {
		t.Error("LatestPose: unexpectedly available")
	}

	stats := p.Stats()
	if stats.FramesWithoutPose != 1 || stats.FramesWithPose != 0 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestSolverFailureYieldsNoPose(t *testing.T) {
	slv := &stubSolver{err: errors.New("consensus too small")}
	p := newTestPipeline(t, slv)

	_, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)})
	if !errors.Is(err, ErrNoPose) {
		t.Errorf("got %v, want ErrNoPose", err)
	}
	if _, ok := p.LatestEstimate(); ok {
		t.Error("LatestEstimate: unexpectedly available")
	}
}

func TestLatestPoseTracksEstimate(t *testing.T) {
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := newTestPipeline(t, slv)

	if _, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)}); err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}

	pose, ok := p.LatestPose()
	if !ok {
		t.Fatal("LatestPose: not available")
	}
	if math.Abs(pose.X-1) > 1e-9 || math.Abs(pose.Y-2) > 1e-9 || math.Abs(pose.Rotation-0.5) > 1e-9 {
		t.Errorf("pose: got %+v, want {1 2 0.5}", pose)
	}

	est, ok := p.LatestEstimate()
	if !ok {
		t.Fatal("LatestEstimate: not available")
	}
	if est.AcceptedPoints != 4 {
		t.Errorf("accepted points: got %d, want 4", est.AcceptedPoints)
	}
}

func TestResetPoseRebasesFrame(t *testing.T) {
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := newTestPipeline(t, slv)

	if _, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)}); err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}

	target := Pose2d{X: 3, Y: 4, Rotation: 1.0}
	p.ResetPose(target)

	pose, ok := p.LatestPose()
	if !ok {
		t.Fatal("LatestPose: not available")
	}
	if math.Abs(pose.X-target.X) > 1e-9 || math.Abs(pose.Y-target.Y) > 1e-9 || math.Abs(pose.Rotation-target.Rotation) > 1e-9 {
		t.Errorf("rebased pose: got %+v, want %+v", pose, target)
	}

	// the offset is a rigid transform: a new raw estimate moves the reported
	// pose by the same relative motion
	slv.est = testEstimate(1.1, 2, 0.5)
	if _, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)}); err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}
	moved, _ := p.LatestPose()
	dx := moved.X - pose.X
	dy := moved.Y - pose.Y
	if math.Abs(math.Hypot(dx, dy)-0.1) > 1e-9 {
		t.Errorf("relative motion: got %f, want 0.1", math.Hypot(dx, dy))
	}
}

func TestResetPoseBeforeFirstEstimate(t *testing.T) {
	slv := &stubSolver{est: testEstimate(0, 0, 0)}
	p := newTestPipeline(t, slv)

	p.ResetPose(Pose2d{X: 5, Y: 6, Rotation: 0.25})

	if _, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)}); err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}
	pose, ok := p.LatestPose()
	if !ok {
		t.Fatal("LatestPose: not available")
	}
	// with a raw estimate at the origin, the offset maps it to the target
	if math.Abs(pose.X-5) > 1e-9 || math.Abs(pose.Y-6) > 1e-9 || math.Abs(pose.Rotation-0.25) > 1e-9 {
		t.Errorf("pose: got %+v, want {5 6 0.25}", pose)
	}
}

func TestTrackingLostAndRecovered(t *testing.T) {
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := newTestPipeline(t, slv)

	for i := 0; i < 30; i++ {
		p.ProcessDetections(context.Background(), nil)
	}
	stats := p.Stats()
	if !stats.TrackingLost {
		t.Errorf("tracking lost: got false after %d misses", stats.ConsecutiveMisses)
	}
	if stats.ConsecutiveMisses != 30 {
		t.Errorf("consecutive misses: got %d, want 30", stats.ConsecutiveMisses)
	}

	if _, err := p.ProcessDetections(context.Background(), []apriltag.Detection{detection(7)}); err != nil {
		t.Fatalf("ProcessDetections failed: %v", err)
	}
	stats = p.Stats()
	if stats.TrackingLost {
		t.Error("tracking lost: still set after a successful solve")
	}
	if stats.ConsecutiveMisses != 0 {
		t.Errorf("consecutive misses: got %d, want 0", stats.ConsecutiveMisses)
	}
}

func TestHandleFrameDropsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	blockingDetector := apriltag.DetectorFunc(func(ctx context.Context, gray *capture.GrayImage) ([]apriltag.Detection, error) {
		close(started)
		<-release
		return nil, nil
	})

	logger := logging.NewTestLogger(t)
	slv := &stubSolver{est: testEstimate(1, 2, 0.5)}
	p := New(testRegistry(t), blockingDetector, slv, fixedIntrinsics, 0, logger)

	gray := &capture.GrayImage{Width: 4, Height: 4, Pixels: make([]byte, 16)}
	p.HandleFrame(context.Background(), gray, 1)
	<-started

	// second frame arrives while the first is still in flight
	p.HandleFrame(context.Background(), gray, 2)
	if got := p.Stats().DroppedWhileBusy; got != 1 {
		t.Errorf("dropped while busy: got %d, want 1", got)
	}
	close(release)
}
