package solver

import (
	"fmt"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/STMARobotics/QuestNav-sub003/apriltag"
)

// minSampleSize is the minimal correspondence set for a pose hypothesis (one
// tag's worth of corners).
const minSampleSize = 4

// RANSACSolver is the robust PnP strategy: pose hypotheses from random
// minimal samples, scored by inlier count within the reprojection threshold,
// with the best hypothesis refined on its full inlier set.
type RANSACSolver struct {
	// Iterations is the number of random hypotheses to score.
	Iterations int
	// MinInliers is the acceptance floor for the best hypothesis.
	MinInliers int

	inner *IterativeSolver
	rng   *rand.Rand
}

// NewRANSACSolver returns a solver with the default hypothesis budget. The
// seed fixes the sampling sequence; pass a constant for reproducible runs.
func NewRANSACSolver(seed int64) *RANSACSolver {
	// hypotheses only need a rough fit; the final refine gets the full budget
	hypo := &IterativeSolver{MaxFuncEvals: 2000, GaussNewtonIters: 3}
	return &RANSACSolver{
		Iterations: 64,
		MinInliers: minSampleSize,
		inner:      hypo,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Solve implements Solver.
func (s *RANSACSolver) Solve(corr Correspondences, intr Intrinsics, maxReprojErrPx float64) (Estimate, error) {
	if err := corr.validate(); err != nil {
		return Estimate{}, err
	}
	n := corr.Len()
	if n < minSampleSize {
		return Estimate{}, fmt.Errorf("need at least %d correspondences, have %d", minSampleSize, n)
	}

	full := NewIterativeSolver()
	if n == minSampleSize {
		return full.Solve(corr, intr, maxReprojErrPx)
	}

	bestInliers := []int(nil)
	for it := 0; it < s.Iterations; it++ {
		sample := s.sampleIndices(n)
		sub := subset(corr, sample)
		est, err := s.inner.Solve(sub, intr, maxReprojErrPx)
		if err != nil {
			continue
		}
		pose := camPoseFromSpatial(est.Pose)
		errs := reprojErrors(pose, corr, intr)
		inliers := make([]int, 0, n)
		for i, e := range errs {
			if e <= maxReprojErrPx {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(bestInliers) == n {
				break
			}
		}
	}

	if len(bestInliers) < s.MinInliers {
		return Estimate{}, fmt.Errorf("consensus too small: %d inliers, need %d", len(bestInliers), s.MinInliers)
	}

	est, err := full.Solve(subset(corr, bestInliers), intr, maxReprojErrPx)
	if err != nil {
		return Estimate{}, fmt.Errorf("inlier refinement failed: %w", err)
	}
	// report consensus over the full set, not just the refined subset
	pose := camPoseFromSpatial(est.Pose)
	accepted := countAccepted(reprojErrors(pose, corr, intr), maxReprojErrPx)
	if accepted < s.MinInliers {
		return Estimate{}, fmt.Errorf("consensus collapsed after refinement: %d inliers, need %d", accepted, s.MinInliers)
	}
	return Estimate{Pose: est.Pose, AcceptedPoints: accepted}, nil
}

// sampleIndices draws a minimal sample without replacement.
func (s *RANSACSolver) sampleIndices(n int) []int {
	perm := s.rng.Perm(n)
	return perm[:minSampleSize]
}

func subset(corr Correspondences, idx []int) Correspondences {
	out := Correspondences{
		Image: make([]apriltag.Point2, len(idx)),
		Field: make([]r3.Vector, len(idx)),
	}
	for i, j := range idx {
		out.Image[i] = corr.Image[j]
		out.Field[i] = corr.Field[j]
	}
	return out
}
