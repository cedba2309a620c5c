// Package lsq implements a bounded Levenberg-Marquardt solver for small
// nonlinear least-squares problems.
//
// The solver keeps no state between calls; concurrent Solve calls on
// independent problems are safe.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrIterationLimit is returned with the last iterate when the cap is hit.
	ErrIterationLimit = errors.New("iteration limit reached")
	// ErrNonFinite is returned when the residuals at the start point are not finite.
	ErrNonFinite = errors.New("non-finite residuals")
)

// Problem describes r(p) = model(p) - y.
type Problem struct {
	// M is the number of residuals.
	M int
	// Residuals writes the M residuals at params into dst.
	Residuals func(dst, params []float64)
	// Jacobian writes dr_i/dp_j into jac (M x N). Nil selects central differences.
	Jacobian func(jac *mat.Dense, params []float64)
	// Lower and Upper are optional per-parameter bounds; nil means unbounded.
	Lower, Upper []float64
}

// Settings tune the iteration.
type Settings struct {
	MaxIterations     int
	FunctionTolerance float64
	StepTolerance     float64
	InitialDamping    float64
}

// DefaultSettings returns tolerances that suit double precision fits.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:     200,
		FunctionTolerance: 1e-10,
		StepTolerance:     1e-10,
		InitialDamping:    1e-3,
	}
}

// Status describes why the iteration stopped.
type Status int

const (
	StatusRunning Status = iota
	StatusFunctionConvergence
	StatusStepConvergence
	StatusZeroGradient
	StatusStalled
	StatusIterationLimit
)

func (s Status) String() string {
	switch s {
	case StatusFunctionConvergence:
		return "function tolerance"
	case StatusStepConvergence:
		return "step tolerance"
	case StatusZeroGradient:
		return "zero gradient"
	case StatusStalled:
		return "no further descent"
	case StatusIterationLimit:
		return "iteration limit"
	default:
		return "running"
	}
}

// Result holds the final iterate and its uncertainty.
type Result struct {
	X          []float64
	StdErr     []float64
	Residuals  []float64
	Cost       float64 // sum of squared residuals
	Iterations int
	Converged  bool
	Status     Status
}

const maxDamping = 1e16

// Solve minimizes sum(r_i^2) starting from x0. When the iteration cap is
// reached the last iterate is returned together with ErrIterationLimit.
func Solve(p Problem, x0 []float64, s Settings) (*Result, error) {
	n := len(x0)
	if n == 0 || p.M < n {
		return nil, fmt.Errorf("lsq: %d residuals cannot determine %d parameters", p.M, n)
	}
	if p.Residuals == nil {
		return nil, errors.New("lsq: residual function is required")
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultSettings().MaxIterations
	}
	if s.InitialDamping <= 0 {
		s.InitialDamping = DefaultSettings().InitialDamping
	}

	x := make([]float64, n)
	copy(x, x0)
	p.clamp(x)

	r := make([]float64, p.M)
	p.Residuals(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, ErrNonFinite
	}

	jac := mat.NewDense(p.M, n, nil)
	xn := make([]float64, n)
	rn := make([]float64, p.M)
	lambda := s.InitialDamping
	status := StatusRunning
	iter := 0

	for status == StatusRunning && iter < s.MaxIterations {
		iter++
		if cost == 0 {
			status = StatusFunctionConvergence
			break
		}
		p.jacobian(jac, x, r)

		var normal mat.SymDense
		normal.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(p.M, r))
		if mat.Norm(&grad, math.Inf(1)) == 0 {
			status = StatusZeroGradient
			break
		}
		diag := scaledDiagonal(&normal)

		for {
			step, ok := dampedStep(&normal, &grad, diag, lambda)
			if ok {
				for j := range x {
					xn[j] = x[j] + step.AtVec(j)
				}
				p.clamp(xn)
				p.Residuals(rn, xn)
				costN := floats.Dot(rn, rn)
				if !math.IsNaN(costN) && costN < cost {
					reduction := (cost - costN) / cost
					moved := floats.Distance(xn, x, 2) / (floats.Norm(x, 2) + s.StepTolerance)
					copy(x, xn)
					copy(r, rn)
					cost = costN
					lambda = math.Max(lambda/10, 1e-12)
					switch {
					case reduction < s.FunctionTolerance:
						status = StatusFunctionConvergence
					case moved < s.StepTolerance:
						status = StatusStepConvergence
					}
					break
				}
			}
			lambda *= 10
			if lambda > maxDamping {
				status = StatusStalled
				break
			}
		}
	}

	res := &Result{
		X:          x,
		Residuals:  r,
		Cost:       cost,
		Iterations: iter,
		Status:     status,
		Converged:  status != StatusRunning,
	}
	res.StdErr = p.standardErrors(jac, x, r, cost)
	if !res.Converged {
		res.Status = StatusIterationLimit
		return res, ErrIterationLimit
	}
	return res, nil
}

// scaledDiagonal returns Marquardt's scaling, floored so that parameters
// the data does not constrain still get some damping.
func scaledDiagonal(a *mat.SymDense) []float64 {
	n := a.SymmetricDim()
	d := make([]float64, n)
	maxD := 0.0
	for j := 0; j < n; j++ {
		d[j] = a.At(j, j)
		maxD = math.Max(maxD, d[j])
	}
	floor := math.Max(maxD*1e-15, math.SmallestNonzeroFloat64)
	for j := range d {
		if d[j] < floor {
			d[j] = floor
		}
	}
	return d
}

// dampedStep solves (JtJ + lambda*D) dx = -Jt r.
func dampedStep(a *mat.SymDense, grad *mat.VecDense, diag []float64, lambda float64) (*mat.VecDense, bool) {
	n := a.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(a)
	for j := 0; j < n; j++ {
		damped.SetSym(j, j, a.At(j, j)+lambda*diag[j])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	var step mat.VecDense
	if err := chol.SolveVecTo(&step, grad); err != nil {
		return nil, false
	}
	step.ScaleVec(-1, &step)
	for j := 0; j < n; j++ {
		if v := step.AtVec(j); math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return &step, true
}

// standardErrors evaluates sqrt(diag(s^2 (JtJ)^-1)) with s^2 = SSR/(m-n).
// Parameters the data cannot resolve get NaN.
func (p Problem) standardErrors(jac *mat.Dense, x, r []float64, cost float64) []float64 {
	_, n := jac.Dims()
	out := make([]float64, n)
	p.jacobian(jac, x, r)

	dof := p.M - n
	variance := 0.0
	if dof > 0 {
		variance = cost / float64(dof)
	}

	var normal mat.SymDense
	normal.SymOuterK(1, jac.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&normal); !ok {
		for j := range out {
			out[j] = math.NaN()
		}
		return out
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		for j := range out {
			out[j] = math.NaN()
		}
		return out
	}
	for j := range out {
		out[j] = math.Sqrt(math.Abs(variance * cov.At(j, j)))
	}
	return out
}

func (p Problem) clamp(x []float64) {
	for j := range x {
		if p.Lower != nil && x[j] < p.Lower[j] {
			x[j] = p.Lower[j]
		}
		if p.Upper != nil && x[j] > p.Upper[j] {
			x[j] = p.Upper[j]
		}
	}
}

func (p Problem) jacobian(jac *mat.Dense, x, r []float64) {
	if p.Jacobian != nil {
		p.Jacobian(jac, x)
		return
	}
	centralDifference(p, jac, x)
}

func centralDifference(p Problem, jac *mat.Dense, x []float64) {
	n := len(x)
	xp := make([]float64, n)
	xm := make([]float64, n)
	rp := make([]float64, p.M)
	rm := make([]float64, p.M)
	for j := 0; j < n; j++ {
		h := 1e-6 * math.Abs(x[j])
		if h == 0 {
			h = 1e-8
		}
		copy(xp, x)
		copy(xm, x)
		xp[j] += h
		xm[j] -= h
		p.Residuals(rp, xp)
		p.Residuals(rm, xm)
		for i := 0; i < p.M; i++ {
			jac.Set(i, j, (rp[i]-rm[i])/(2*h))
		}
	}
}
