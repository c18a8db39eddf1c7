package fit

// TVDenoise1D applies direct 1-D total variation denoising after Condat,
// "A direct algorithm for 1-D total variation denoising" (2013).  lambda
// must be nonnegative; lambda of zero returns a copy of the input.
func TVDenoise1D(y []float64, lambda float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if lambda <= 0 || n == 1 {
		copy(out, y)
		return out
	}

	var (
		k, k0, kminus, kplus int
		umin, umax           = lambda, -lambda
		vmin, vmax           = y[0] - lambda, y[0] + lambda
	)
	for {
		for k == n-1 {
			switch {
			case umin < 0:
				// the segment must end with a negative jump
				for {
					out[k0] = vmin
					k0++
					if k0 > kminus {
						break
					}
				}
				k, kminus = k0, k0
				vmin = y[k0]
				umin = lambda
				umax = vmin + lambda - vmax
			case umax > 0:
				for {
					out[k0] = vmax
					k0++
					if k0 > kplus {
						break
					}
				}
				k, kplus = k0, k0
				vmax = y[k0]
				umax = -lambda
				umin = vmax - lambda - vmin
			default:
				vmin += umin / float64(k-k0+1)
				for k0 <= k {
					out[k0] = vmin
					k0++
				}
				return out
			}
		}
		switch {
		case y[k+1]+umin < vmin-lambda:
			// negative jump: flush the segment at vmin
			for {
				out[k0] = vmin
				k0++
				if k0 > kminus {
					break
				}
			}
			k, kminus, kplus = k0, k0, k0
			vmin = y[k0]
			vmax = vmin + 2*lambda
			umin, umax = lambda, -lambda
		case y[k+1]+umax > vmax+lambda:
			// positive jump: flush the segment at vmax
			for {
				out[k0] = vmax
				k0++
				if k0 > kplus {
					break
				}
			}
			k, kminus, kplus = k0, k0, k0
			vmax = y[k0]
			vmin = vmax - 2*lambda
			umin, umax = lambda, -lambda
		default:
			k++
			umin += y[k] - vmin
			umax += y[k] - vmax
			if umin >= lambda {
				vmin += (umin - lambda) / float64(k-k0+1)
				umin = lambda
				kminus = k
			}
			if umax <= -lambda {
				vmax += (umax + lambda) / float64(k-k0+1)
				umax = -lambda
				kplus = k
			}
		}
	}
}
