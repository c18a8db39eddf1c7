// Package fit provides the numerical post-processing run at the end of a
// scan: a Gaussian-plus-linear-baseline least squares fit and a 1-D total
// variation denoiser.
package fit

import (
	"math"

	"github.com/lnls-sol/goscan/mathx"
)

// FWHMFactor converts a Gaussian sigma to full width at half maximum.
var FWHMFactor = 2 * math.Sqrt(2*math.Ln2)

// Result holds the outputs of GaussLin.  Peak, Min and COM always describe
// the raw data.  FWHM, FWHMAt, the model parameters and Fitted are populated
// only when Converged is true; a failed fit leaves them zero, it is not an
// error.
type Result struct {
	Peak   float64
	PeakAt float64
	Min    float64
	MinAt  float64
	FWHM   float64
	FWHMAt float64
	COM    float64

	// model parameters, gaussian area amplitude + linear baseline
	Amplitude float64
	Center    float64
	Sigma     float64
	Slope     float64
	Intercept float64

	Fitted    []float64
	Converged bool
}

const nparams = 5 // amplitude, center, sigma, slope, intercept

// GaussLin fits y(x) = A/(sigma*sqrt(2pi)) * exp(-(x-c)^2/(2 sigma^2)) + m*x + b
// by Levenberg-Marquardt.  The extrema and center of mass of the raw data are
// reported regardless of fit success.
func GaussLin(x, y []float64) Result {
	var res Result
	n := len(y)
	if n == 0 || len(x) != n {
		return res
	}

	minv, minIdx, maxv, maxIdx := mathx.MinMax(y)
	res.Peak, res.PeakAt = maxv, x[maxIdx]
	res.Min, res.MinAt = minv, x[minIdx]
	res.COM = mathx.CenterOfMass(x, y)

	if n < nparams {
		return res
	}
	for i := 0; i < n; i++ {
		if !finite(x[i]) || !finite(y[i]) {
			return res
		}
	}

	p, ok := levmar(x, y, guess(x, y))
	if !ok {
		return res
	}
	p[2] = math.Abs(p[2])
	if p[2] == 0 || !finiteAll(p[:]) {
		return res
	}

	res.Amplitude, res.Center, res.Sigma = p[0], p[1], p[2]
	res.Slope, res.Intercept = p[3], p[4]
	res.FWHM = FWHMFactor * res.Sigma
	res.FWHMAt = res.Center
	res.Fitted = make([]float64, n)
	for i := range res.Fitted {
		res.Fitted[i] = model(p, x[i])
	}
	res.Converged = true
	return res
}

func model(p [nparams]float64, x float64) float64 {
	a, c, sigma, m, b := p[0], p[1], math.Abs(p[2]), p[3], p[4]
	e := math.Exp(-(x - c) * (x - c) / (2 * sigma * sigma))
	return a/(sigma*math.Sqrt(2*math.Pi))*e + m*x + b
}

// guess seeds the parameters: baseline from an ordinary least squares line,
// gaussian from the extremum and second moment of the residual.
func guess(x, y []float64) [nparams]float64 {
	n := len(x)
	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)
	var sxx, sxy float64
	for i := 0; i < n; i++ {
		sxx += (x[i] - mx) * (x[i] - mx)
		sxy += (x[i] - mx) * (y[i] - my)
	}
	var slope float64
	if sxx != 0 {
		slope = sxy / sxx
	}
	intercept := my - slope*mx

	// residual after the line carries the gaussian
	r := make([]float64, n)
	ext := 0
	for i := 0; i < n; i++ {
		r[i] = y[i] - (slope*x[i] + intercept)
		if math.Abs(r[i]) > math.Abs(r[ext]) {
			ext = i
		}
	}
	height := r[ext]
	center := x[ext]

	var wsum, msum float64
	for i := 0; i < n; i++ {
		w := math.Abs(r[i])
		wsum += w
		msum += w * (x[i] - center) * (x[i] - center)
	}
	xmin, _, xmax, _ := mathx.MinMax(x)
	sigma := (xmax - xmin) / 6
	if wsum > 0 {
		if s := math.Sqrt(msum / wsum); s > 0 && finite(s) {
			sigma = s
		}
	}
	if sigma <= 0 || !finite(sigma) {
		sigma = 1
	}

	return [nparams]float64{height * sigma * math.Sqrt(2*math.Pi), center, sigma, slope, intercept}
}

func levmar(x, y []float64, p [nparams]float64) ([nparams]float64, bool) {
	n := len(x)
	sse := sumsq(p, x, y)
	if !finite(sse) {
		return p, false
	}
	lambda := 1e-3

	for iter := 0; iter < 200; iter++ {
		var jtj [nparams][nparams]float64
		var jte [nparams]float64
		for i := 0; i < n; i++ {
			j := jacobianRow(p, x[i])
			e := model(p, x[i]) - y[i]
			for a := 0; a < nparams; a++ {
				jte[a] += j[a] * e
				for b := a; b < nparams; b++ {
					jtj[a][b] += j[a] * j[b]
				}
			}
		}
		for a := 0; a < nparams; a++ {
			for b := 0; b < a; b++ {
				jtj[a][b] = jtj[b][a]
			}
		}

		gnorm := 0.0
		for a := 0; a < nparams; a++ {
			if g := math.Abs(jte[a]); g > gnorm {
				gnorm = g
			}
		}
		if gnorm <= 1e-10*(1+sse) {
			return p, true
		}

		accepted := false
		for try := 0; try < 16; try++ {
			var aug [nparams][nparams]float64
			var rhs [nparams]float64
			for a := 0; a < nparams; a++ {
				aug[a] = jtj[a]
				d := jtj[a][a]
				if d < 1e-12 {
					d = 1e-12
				}
				aug[a][a] += lambda * d
				rhs[a] = -jte[a]
			}
			step, ok := solve(aug, rhs)
			if ok {
				var cand [nparams]float64
				for a := 0; a < nparams; a++ {
					cand[a] = p[a] + step[a]
				}
				cse := sumsq(cand, x, y)
				if finite(cse) && cse < sse {
					improvement := sse - cse
					p, sse = cand, cse
					if lambda > 1e-12 {
						lambda /= 10
					}
					accepted = true
					if improvement <= 1e-12*(sse+1e-12) {
						return p, true
					}
					break
				}
			}
			lambda *= 10
			if lambda > 1e14 {
				break
			}
		}
		if !accepted {
			// stuck at a stationary point; fine as long as the
			// numbers stayed healthy
			return p, finite(sse) && finiteAll(p[:])
		}
	}
	return p, finite(sse) && finiteAll(p[:])
}

func jacobianRow(p [nparams]float64, x float64) [nparams]float64 {
	a, c, sigma := p[0], p[1], math.Abs(p[2])
	norm := 1 / (sigma * math.Sqrt(2*math.Pi))
	e := math.Exp(-(x - c) * (x - c) / (2 * sigma * sigma))
	ne := norm * e
	return [nparams]float64{
		ne,
		a * ne * (x - c) / (sigma * sigma),
		a * ne * ((x-c)*(x-c)/(sigma*sigma) - 1) / sigma,
		x,
		1,
	}
}

func sumsq(p [nparams]float64, x, y []float64) float64 {
	var s float64
	for i := range x {
		d := model(p, x[i]) - y[i]
		s += d * d
	}
	return s
}

// solve performs gaussian elimination with partial pivoting on the fixed
// size system used by levmar.
func solve(a [nparams][nparams]float64, b [nparams]float64) ([nparams]float64, bool) {
	var zero [nparams]float64
	for col := 0; col < nparams; col++ {
		pivot := col
		for r := col + 1; r < nparams; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-300 {
			return zero, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := col + 1; r < nparams; r++ {
			f := a[r][col] / a[col][col]
			for k := col; k < nparams; k++ {
				a[r][k] -= f * a[col][k]
			}
			b[r] -= f * b[col]
		}
	}
	var out [nparams]float64
	for r := nparams - 1; r >= 0; r-- {
		s := b[r]
		for k := r + 1; k < nparams; k++ {
			s -= a[r][k] * out[k]
		}
		out[r] = s / a[r][r]
	}
	for _, v := range out {
		if !finite(v) {
			return zero, false
		}
	}
	return out, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteAll(vs []float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}
