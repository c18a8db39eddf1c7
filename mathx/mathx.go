// Package mathx provides the small numeric helpers shared by the scan
// engine and the fitting code.
package mathx

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return float64(int64(x/unit+0.5)) * unit
}

// Linspace returns steps+1 equally spaced values from start to end
// inclusive, point[i] = start + i*(end-start)/steps.  steps must be >= 1.
func Linspace(start, end float64, steps int) []float64 {
	diff := (end - start) / float64(steps)
	pts := make([]float64, steps+1)
	for i := range pts {
		pts[i] = start + diff*float64(i)
	}
	return pts
}

// CenterOfMass returns sum(x*y)/sum(y).  x and y must have equal length.
func CenterOfMass(x, y []float64) float64 {
	var num, den float64
	for i := range x {
		num += x[i] * y[i]
		den += y[i]
	}
	return num / den
}

// MinMax returns the smallest and largest values in s along with their
// indices.  s must be non-empty.
func MinMax(s []float64) (min float64, minIdx int, max float64, maxIdx int) {
	min, max = s[0], s[0]
	for i, v := range s {
		if v < min {
			min = v
			minIdx = i
		}
		if v > max {
			max = v
			maxIdx = i
		}
	}
	return min, minIdx, max, maxIdx
}
