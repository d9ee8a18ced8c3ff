package solver

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// IterativeSolver is the default PnP strategy: a closed-form initialization
// (planar homography decomposition, or DLT for non-planar point sets) followed
// by Nelder-Mead and Gauss-Newton refinement of the reprojection error.
type IterativeSolver struct {
	// MaxFuncEvals bounds the Nelder-Mead refinement budget.
	MaxFuncEvals int
	// GaussNewtonIters bounds the final polish.
	GaussNewtonIters int
}

// NewIterativeSolver returns a solver with the default refinement budget.
func NewIterativeSolver() *IterativeSolver {
	return &IterativeSolver{MaxFuncEvals: 20000, GaussNewtonIters: 10}
}

// Solve implements Solver.
func (s *IterativeSolver) Solve(corr Correspondences, intr Intrinsics, maxReprojErrPx float64) (Estimate, error) {
	if err := corr.validate(); err != nil {
		return Estimate{}, err
	}
	if corr.Len() < 4 {
		return Estimate{}, fmt.Errorf("need at least 4 correspondences, have %d", corr.Len())
	}

	initial, err := initialEstimate(corr, intr)
	if err != nil {
		// fall back to a coarse look-at guess and let refinement work
		initial = heuristicInit(corr)
	}

	refined, err := s.refine(initial, corr, intr)
	if err != nil {
		return Estimate{}, fmt.Errorf("pose refinement failed: %w", err)
	}
	refined = gaussNewtonRefine(refined, corr, intr, s.GaussNewtonIters)

	errs := reprojErrors(refined, corr, intr)
	accepted := countAccepted(errs, maxReprojErrPx)
	if accepted == 0 {
		return Estimate{}, fmt.Errorf("no correspondences within %.1fpx reprojection threshold", maxReprojErrPx)
	}
	return Estimate{Pose: refined.toSpatialPose(), AcceptedPoints: accepted}, nil
}

// refine minimizes the reprojection cost over [tx,ty,tz,qw,qx,qy,qz] with
// Nelder-Mead from the initial estimate.
func (s *IterativeSolver) refine(initial camPose, corr Correspondences, intr Intrinsics) (camPose, error) {
	x0 := []float64{
		initial.c.X, initial.c.Y, initial.c.Z,
		initial.qw, initial.qx, initial.qy, initial.qz,
	}

	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			p, ok := poseFromParams(params)
			if !ok {
				return math.Inf(1)
			}
			return reprojCost(p, corr, intr)
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: s.MaxFuncEvals,
		Converger: &optimize.FunctionConverge{
			Absolute: 1e-12,
			Relative: 1e-12,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return camPose{}, err
	}
	p, ok := poseFromParams(result.X)
	if !ok {
		return camPose{}, fmt.Errorf("optimizer produced a degenerate quaternion")
	}
	return p, nil
}

// gaussNewtonRefine polishes the pose with damped Gauss-Newton steps on the
// per-point pixel residuals, using a numeric Jacobian. Steps that do not
// reduce the cost are rejected with increased damping.
func gaussNewtonRefine(pose camPose, corr Correspondences, intr Intrinsics, iters int) camPose {
	const step = 1e-6
	params := []float64{pose.c.X, pose.c.Y, pose.c.Z, pose.qw, pose.qx, pose.qy, pose.qz}
	lambda := 1e-6

	cost := func(p []float64) float64 {
		cp, ok := poseFromParams(p)
		if !ok {
			return math.Inf(1)
		}
		return reprojCost(cp, corr, intr)
	}
	currentCost := cost(params)

	n := corr.Len()
	for it := 0; it < iters; it++ {
		cp, ok := poseFromParams(params)
		if !ok {
			break
		}
		res := residualVector(cp, corr, intr)

		jac := mat.NewDense(2*n, 7, nil)
		for j := 0; j < 7; j++ {
			bumped := append([]float64(nil), params...)
			bumped[j] += step
			bp, ok := poseFromParams(bumped)
			if !ok {
				continue
			}
			bres := residualVector(bp, corr, intr)
			for i := 0; i < 2*n; i++ {
				jac.Set(i, j, (bres[i]-res[i])/step)
			}
		}

		// solve (J^T J + lambda I) delta = -J^T r
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		for d := 0; d < 7; d++ {
			jtj.Set(d, d, jtj.At(d, d)+lambda)
		}
		rhs := mat.NewVecDense(7, nil)
		rhs.MulVec(jac.T(), mat.NewVecDense(2*n, res))

		var delta mat.VecDense
		if err := delta.SolveVec(&jtj, rhs); err != nil {
			break
		}

		trial := append([]float64(nil), params...)
		for d := 0; d < 7; d++ {
			trial[d] -= delta.AtVec(d)
		}
		trialCost := cost(trial)
		if trialCost < currentCost {
			params = trial
			currentCost = trialCost
			lambda /= 2
		} else {
			lambda *= 10
			if lambda > 1e3 {
				break
			}
		}
	}

	refined, ok := poseFromParams(params)
	if !ok {
		return pose
	}
	return refined
}

// residualVector stacks (du, dv) per point. Points behind the camera get a
// large fixed residual so the step moves them back in front.
func residualVector(pose camPose, corr Correspondences, intr Intrinsics) []float64 {
	res := make([]float64, 2*corr.Len())
	for i := range corr.Image {
		pc := pose.worldToCamera(corr.Field[i])
		u, v, ok := project(pc, intr)
		if !ok {
			res[2*i] = 1e3
			res[2*i+1] = 1e3
			continue
		}
		res[2*i] = u - corr.Image[i].X
		res[2*i+1] = v - corr.Image[i].Y
	}
	return res
}

// initialEstimate produces a closed-form starting pose. Tag corner sets are
// usually planar, so the homography path is the common case; six or more
// non-planar points take the DLT path.
func initialEstimate(corr Correspondences, intr Intrinsics) (camPose, error) {
	centroid, e1, e2, normal, planar := planeBasis(corr.Field)
	if planar || corr.Len() < 6 {
		return homographyInit(corr, intr, centroid, e1, e2, normal)
	}
	return dltInit(corr, intr)
}

// planeBasis fits a plane to the field points via SVD of the centered
// coordinates. planar reports whether the points are effectively coplanar.
func planeBasis(points []r3.Vector) (centroid, e1, e2, normal r3.Vector, planar bool) {
	n := len(points)
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1.0 / float64(n))

	a := mat.NewDense(n, 3, nil)
	for i, p := range points {
		a.Set(i, 0, p.X-centroid.X)
		a.Set(i, 1, p.Y-centroid.Y)
		a.Set(i, 2, p.Z-centroid.Z)
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return centroid, r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	e1 = r3.Vector{X: v.At(0, 0), Y: v.At(1, 0), Z: v.At(2, 0)}
	e2 = r3.Vector{X: v.At(0, 1), Y: v.At(1, 1), Z: v.At(2, 1)}
	normal = r3.Vector{X: v.At(0, 2), Y: v.At(1, 2), Z: v.At(2, 2)}

	sigma := svd.Values(nil)
	planar = sigma[0] > 0 && sigma[2] < 1e-6*sigma[0]
	return centroid, e1, e2, normal, planar
}

// homographyInit recovers the pose from a plane-to-image homography: H is
// estimated by DLT on normalized image coordinates, then decomposed into
// [r1 r2 t] up to scale.
func homographyInit(corr Correspondences, intr Intrinsics, centroid, e1, e2, normal r3.Vector) (camPose, error) {
	n := corr.Len()
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		d := corr.Field[i].Sub(centroid)
		p := d.Dot(e1)
		q := d.Dot(e2)
		xn := (corr.Image[i].X - intr.Cx) / intr.Fx
		yn := (corr.Image[i].Y - intr.Cy) / intr.Fy

		a.SetRow(2*i, []float64{p, q, 1, 0, 0, 0, -xn * p, -xn * q, -xn})
		a.SetRow(2*i+1, []float64{0, 0, 0, p, q, 1, -yn * p, -yn * q, -yn})
	}

	h, err := nullVector(a, 9)
	if err != nil {
		return camPose{}, fmt.Errorf("homography estimation failed: %w", err)
	}

	h1 := r3.Vector{X: h[0], Y: h[3], Z: h[6]}
	h2 := r3.Vector{X: h[1], Y: h[4], Z: h[7]}
	h3 := r3.Vector{X: h[2], Y: h[5], Z: h[8]}
	n1, n2 := h1.Norm(), h2.Norm()
	if n1 < 1e-12 || n2 < 1e-12 {
		return camPose{}, fmt.Errorf("degenerate homography")
	}
	scale := 2.0 / (n1 + n2)
	r1 := h1.Mul(scale)
	r2 := h2.Mul(scale)
	t := h3.Mul(scale)
	// plane origin must sit in front of the camera
	if t.Z < 0 {
		r1 = r1.Mul(-1)
		r2 = r2.Mul(-1)
		t = t.Mul(-1)
	}
	r3c := r1.Cross(r2)

	// world-to-camera rotation: columns of [r1 r2 r3] map plane coordinates,
	// so compose with the plane basis B = [e1 e2 normal].
	rPlane := orthonormalize([3][3]float64{
		{r1.X, r2.X, r3c.X},
		{r1.Y, r2.Y, r3c.Y},
		{r1.Z, r2.Z, r3c.Z},
	})
	b := [3][3]float64{
		{e1.X, e2.X, normal.X},
		{e1.Y, e2.Y, normal.Y},
		{e1.Z, e2.Z, normal.Z},
	}
	rwc := matMul(rPlane, transpose(b))
	twc := t.Sub(matVec(rwc, centroid))
	return poseFromWorldToCamera(rwc, twc)
}

// dltInit recovers [R|t] directly from six or more non-planar points via the
// direct linear transform on normalized coordinates.
func dltInit(corr Correspondences, intr Intrinsics) (camPose, error) {
	n := corr.Len()
	a := mat.NewDense(2*n, 12, nil)
	for i := 0; i < n; i++ {
		w := corr.Field[i]
		xn := (corr.Image[i].X - intr.Cx) / intr.Fx
		yn := (corr.Image[i].Y - intr.Cy) / intr.Fy
		a.SetRow(2*i, []float64{w.X, w.Y, w.Z, 1, 0, 0, 0, 0, -xn * w.X, -xn * w.Y, -xn * w.Z, -xn})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, w.X, w.Y, w.Z, 1, -yn * w.X, -yn * w.Y, -yn * w.Z, -yn})
	}

	p, err := nullVector(a, 12)
	if err != nil {
		return camPose{}, fmt.Errorf("DLT estimation failed: %w", err)
	}

	m := [3][3]float64{
		{p[0], p[1], p[2]},
		{p[4], p[5], p[6]},
		{p[8], p[9], p[10]},
	}
	t := r3.Vector{X: p[3], Y: p[7], Z: p[11]}

	// fix scale from the third rotation row, and sign from the first point's depth
	rowNorm := math.Sqrt(m[2][0]*m[2][0] + m[2][1]*m[2][1] + m[2][2]*m[2][2])
	if rowNorm < 1e-12 {
		return camPose{}, fmt.Errorf("degenerate DLT solution")
	}
	inv := 1.0 / rowNorm
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] *= inv
		}
	}
	t = t.Mul(inv)
	depth := matVec(m, corr.Field[0]).Z + t.Z
	if depth < 0 {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] = -m[i][j]
			}
		}
		t = t.Mul(-1)
	}

	return poseFromWorldToCamera(orthonormalize(m), t)
}

// heuristicInit is the fallback when closed-form initialization degenerates:
// place the camera back along the fitted plane normal and look at the point
// centroid.
func heuristicInit(corr Correspondences) camPose {
	centroid, _, _, normal, _ := planeBasis(corr.Field)

	spread := 0.0
	for _, p := range corr.Field {
		spread = math.Max(spread, p.Sub(centroid).Norm())
	}
	if spread < 1e-6 {
		spread = 1.0
	}
	c := centroid.Add(normal.Mul(4 * spread))

	forward := centroid.Sub(c)
	forward = forward.Mul(1.0 / forward.Norm())
	up := r3.Vector{Z: 1}
	if math.Abs(forward.Dot(up)) > 0.99 {
		up = r3.Vector{Y: 1}
	}
	right := forward.Cross(up)
	right = right.Mul(1.0 / right.Norm())
	down := forward.Cross(right)

	// camera-to-world rotation has the camera axes as columns
	rcw := [3][3]float64{
		{right.X, down.X, forward.X},
		{right.Y, down.Y, forward.Y},
		{right.Z, down.Z, forward.Z},
	}
	q := quaternionFromMatrix(rcw)
	return camPose{c: c, qw: q.Real, qx: q.Imag, qy: q.Jmag, qz: q.Kmag}
}

// poseFromWorldToCamera inverts a world-to-camera [R|t] into the camera's
// field pose.
func poseFromWorldToCamera(rwc [3][3]float64, twc r3.Vector) (camPose, error) {
	rcw := transpose(rwc)
	c := matVec(rcw, twc).Mul(-1)
	q := quaternionFromMatrix(rcw)
	return camPose{c: c, qw: q.Real, qx: q.Imag, qy: q.Jmag, qz: q.Kmag}, nil
}

// quaternionFromMatrix converts a rotation matrix through spatialmath so the
// conversion stays consistent with every other pose in the system.
func quaternionFromMatrix(r [3][3]float64) spatialmath.Quaternion {
	rm, err := spatialmath.NewRotationMatrix([]float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
	if err != nil {
		return spatialmath.Quaternion{Real: 1}
	}
	q := rm.Quaternion()
	return spatialmath.Quaternion(q)
}

// nullVector returns the right singular vector for the smallest singular
// value of a, i.e. the least-squares solution to a*x = 0, |x| = 1.
func nullVector(a *mat.Dense, cols int) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, fmt.Errorf("SVD factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	out := make([]float64, cols)
	for i := 0; i < cols; i++ {
		out[i] = v.At(i, cols-1)
	}
	return out, nil
}

// orthonormalize projects an approximate rotation onto SO(3) via SVD.
func orthonormalize(m [3][3]float64) [3][3]float64 {
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the last column of U to stay in SO(3)
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out
}

func transpose(m [3][3]float64) [3][3]float64 {
	return [3][3]float64{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}

func matMul(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func matVec(m [3][3]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}
