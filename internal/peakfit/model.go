package peakfit

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// paramsPerPeak is the width of one peak block: hr, hw, a, s.
const paramsPerPeak = 4

// Model is a sum of Peaks Lorentzian-derivative terms sharing one offset:
//
//	L_i(x) = s_i*(hw_i^2-(x-hr_i)^2)/D^2 - a_i*2*hw_i*(x-hr_i)/D^2,  D = (x-hr_i)^2+hw_i^2
//	y(x)   = sum_i L_i(x) + v
//
// The parameter vector is [hr_0, hw_0, a_0, s_0, ..., v].
type Model struct {
	Peaks int
}

// NumParams returns the length of the parameter vector.
func (m Model) NumParams() int {
	return m.Peaks*paramsPerPeak + 1
}

// Eval returns y(x) for one abscissa.
func (m Model) Eval(x float64, p []float64) float64 {
	y := p[m.Peaks*paramsPerPeak]
	for i := 0; i < m.Peaks; i++ {
		b := p[i*paramsPerPeak : (i+1)*paramsPerPeak]
		y += lineshape(x, b[0], b[1], b[2], b[3])
	}
	return y
}

// Curve evaluates the model over xs.
func (m Model) Curve(xs, p []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = m.Eval(x, p)
	}
	return out
}

// Jacobian writes dy/dp for every abscissa into jac (len(xs) x NumParams).
func (m Model) Jacobian(jac *mat.Dense, xs, p []float64) {
	off := m.Peaks * paramsPerPeak
	for r, x := range xs {
		for i := 0; i < m.Peaks; i++ {
			c := i * paramsPerPeak
			dHr, dHw, dA, dS := lineshapeGrad(x, p[c], p[c+1], p[c+2], p[c+3])
			jac.Set(r, c, dHr)
			jac.Set(r, c+1, dHw)
			jac.Set(r, c+2, dA)
			jac.Set(r, c+3, dS)
		}
		jac.Set(r, off, 1)
	}
}

// basis returns the symmetric and antisymmetric unit shapes of one term.
func basis(x, hr, hw float64) (sym, asym float64) {
	d := x - hr
	den := d*d + hw*hw
	den2 := den * den
	return (hw*hw - d*d) / den2, -2 * hw * d / den2
}

func lineshape(x, hr, hw, a, s float64) float64 {
	sym, asym := basis(x, hr, hw)
	return s*sym + a*asym
}

func lineshapeGrad(x, hr, hw, a, s float64) (dHr, dHw, dA, dS float64) {
	d := x - hr
	w2 := hw * hw
	den := d*d + w2
	den3 := den * den * den

	dS, dA = basis(x, hr, hw)

	// derivative with respect to d; hr enters as -d.
	dd := s*(-2*d*(3*w2-d*d))/den3 - 2*a*hw*(w2-3*d*d)/den3
	dHr = -dd
	dHw = s*2*hw*(3*d*d-w2)/den3 - 2*a*d*(d*d-3*w2)/den3
	return dHr, dHw, dA, dS
}

func bounds(m Model, xs []float64) (lower, upper []float64) {
	n := m.NumParams()
	lower = make([]float64, n)
	upper = make([]float64, n)
	lo, hi := minMax(xs)
	for i := 0; i < m.Peaks; i++ {
		c := i * paramsPerPeak
		lower[c], upper[c] = lo, hi
		lower[c+1], upper[c+1] = 1e-6, hi-lo
		lower[c+2], upper[c+2] = -1, 1
		lower[c+3], upper[c+3] = -1, 1
	}
	lower[n-1], upper[n-1] = math.Inf(-1), math.Inf(1)
	return lower, upper
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
