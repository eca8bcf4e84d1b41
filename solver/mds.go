package solver

import "math"

const (
	powerIterations = 200
	normEpsilon     = 1e-12
)

// doubleCenter builds the Gram matrix B from a squared-distance matrix:
// B[i][j] = -0.5 * (d2[i][j] - rowMean[i] - rowMean[j] + grandMean).
func doubleCenter(d2 [][]float64) [][]float64 {
	n := len(d2)
	rowMean := make([]float64, n)
	grand := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			rowMean[i] += d2[i][j]
		}
		grand += rowMean[i]
		rowMean[i] /= float64(n)
	}
	grand /= float64(n * n)

	b := make([][]float64, n)
	for i := 0; i < n; i++ {
		b[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			b[i][j] = -0.5 * (d2[i][j] - rowMean[i] - rowMean[j] + grand)
		}
	}
	return b
}

// topEigenvector extracts the dominant eigenpair of b by power iteration.
// The start vector is a fixed ramp so repeated runs converge identically.
// A collapsing vector norm reports eigenvalue 0.
func topEigenvector(b [][]float64, scratch []float64) (float64, []float64) {
	n := len(b)
	v := make([]float64, n)
	for i := range v {
		v[i] = 1.0 + 0.1*float64(i)
	}

	for iter := 0; iter < powerIterations; iter++ {
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				sum += b[i][j] * v[j]
			}
			scratch[i] = sum
		}
		norm := 0.0
		for i := 0; i < n; i++ {
			norm += scratch[i] * scratch[i]
		}
		norm = math.Sqrt(norm)
		if norm < normEpsilon {
			return 0, v
		}
		for i := 0; i < n; i++ {
			v[i] = scratch[i] / norm
		}
	}

	// Rayleigh quotient on the converged unit vector.
	lambda := 0.0
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			sum += b[i][j] * v[j]
		}
		lambda += v[i] * sum
	}
	return lambda, v
}

// deflate removes the extracted eigenpair: b -= lambda * v * v^T.
func deflate(b [][]float64, lambda float64, v []float64) {
	n := len(b)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b[i][j] -= lambda * v[i] * v[j]
		}
	}
}

// mdsCoordinates recovers dim-dimensional coordinates for n points from the
// squared-distance matrix by classical multidimensional scaling. Degenerate
// eigenvalues yield a zero coordinate on that axis.
func mdsCoordinates(d2 [][]float64, dim int) [][3]float64 {
	n := len(d2)
	b := doubleCenter(d2)
	scratch := make([]float64, n)

	coords := make([][3]float64, n)
	for axis := 0; axis < dim; axis++ {
		lambda, v := topEigenvector(b, scratch)
		if lambda > 0 {
			scale := math.Sqrt(lambda)
			for i := 0; i < n; i++ {
				coords[i][axis] = v[i] * scale
			}
			deflate(b, lambda, v)
		}
	}
	return coords
}

// alignFrame translates the frame so point 0 sits at the origin, then
// rotates it so point 1 lies on the positive first axis.
func alignFrame(coords [][3]float64, dim int) {
	n := len(coords)
	if n == 0 {
		return
	}

	origin := coords[0]
	for i := range coords {
		for a := 0; a < 3; a++ {
			coords[i][a] -= origin[a]
		}
	}

	if dim < 2 || n < 2 {
		return
	}
	// Givens rotations in planes (0,axis), zeroing point 1's coordinates
	// from the last axis down. atan2 lands the point on the positive side.
	for axis := dim - 1; axis >= 1; axis-- {
		x, y := coords[1][0], coords[1][axis]
		if x == 0 && y == 0 {
			continue
		}
		theta := math.Atan2(y, x)
		c, s := math.Cos(theta), math.Sin(theta)
		for i := range coords {
			px, py := coords[i][0], coords[i][axis]
			coords[i][0] = px*c + py*s
			coords[i][axis] = -px*s + py*c
		}
	}
}
