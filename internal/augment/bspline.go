package augment

import (
	"math"

	"github.com/spectrofeed/spectrofeed/internal/spect"
)

// MaxOrder is the highest supported spline order.
const MaxOrder = 5

// poles returns the poles of the recursive B-spline prefilter of order n.
func poles(n int) []float64 {
	switch n {
	case 2:
		return []float64{math.Sqrt(8) - 3}
	case 3:
		return []float64{math.Sqrt(3) - 2}
	case 4:
		return []float64{
			math.Sqrt(664-math.Sqrt(438976)) + math.Sqrt(304) - 19,
			math.Sqrt(664+math.Sqrt(438976)) - math.Sqrt(304) - 19,
		}
	case 5:
		return []float64{
			math.Sqrt(135.0/2-math.Sqrt(17745.0/4)) + math.Sqrt(105.0/4) - 13.0/2,
			math.Sqrt(135.0/2+math.Sqrt(17745.0/4)) - math.Sqrt(105.0/4) - 13.0/2,
		}
	default:
		return nil
	}
}

// bspline evaluates the centered B-spline basis of order n at x.
func bspline(n int, x float64) float64 {
	x = math.Abs(x)
	switch n {
	case 0:
		if x <= 0.5 {
			return 1
		}
		return 0
	case 1:
		if x < 1 {
			return 1 - x
		}
		return 0
	case 2:
		switch {
		case x < 0.5:
			return 0.75 - x*x
		case x < 1.5:
			return 0.5 * (x - 1.5) * (x - 1.5)
		}
		return 0
	case 3:
		switch {
		case x < 1:
			return 2.0/3 - x*x + x*x*x/2
		case x < 2:
			t := 2 - x
			return t * t * t / 6
		}
		return 0
	case 4:
		x2 := x * x
		switch {
		case x < 0.5:
			return 115.0/192 - 5.0/8*x2 + x2*x2/4
		case x < 1.5:
			return 55.0/96 + 5.0/24*x - 5.0/4*x2 + 5.0/6*x2*x - x2*x2/6
		case x < 2.5:
			t := 2.5 - x
			return t * t * t * t / 24
		}
		return 0
	case 5:
		x2 := x * x
		switch {
		case x < 1:
			return 11.0/20 - x2/2 + x2*x2/4 - x2*x2*x/12
		case x < 2:
			return 17.0/40 + 5.0/8*x - 7.0/4*x2 + 5.0/4*x2*x - 3.0/8*x2*x2 + x2*x2*x/24
		case x < 3:
			t := 3 - x
			return t * t * t * t * t / 120
		}
		return 0
	}
	panic("augment: unsupported spline order")
}

// prefilter converts samples c (stride apart) into B-spline coefficients of
// order n in place, assuming mirror-symmetric boundaries.
func prefilter(c []float64, n, stride, order int) {
	zs := poles(order)
	if n < 2 || len(zs) == 0 {
		return
	}

	gain := 1.0
	for _, z := range zs {
		gain *= (1 - z) * (1 - 1/z)
	}
	for k := 0; k < n; k++ {
		c[k*stride] *= gain
	}

	for _, z := range zs {
		c[0] = causalInit(c, n, stride, z)
		for k := 1; k < n; k++ {
			c[k*stride] += z * c[(k-1)*stride]
		}
		c[(n-1)*stride] = (z / (z*z - 1)) * (z*c[(n-2)*stride] + c[(n-1)*stride])
		for k := n - 2; k >= 0; k-- {
			c[k*stride] = z * (c[(k+1)*stride] - c[k*stride])
		}
	}
}

func causalInit(c []float64, n, stride int, z float64) float64 {
	const tolerance = 1e-9
	horizon := int(math.Ceil(math.Log(tolerance) / math.Log(math.Abs(z))))

	if horizon < n {
		sum := c[0]
		zn := z
		for k := 1; k < horizon; k++ {
			sum += zn * c[k*stride]
			zn *= z
		}
		return sum
	}

	zn := z
	iz := 1 / z
	z2n := math.Pow(z, float64(n-1))
	sum := c[0] + z2n*c[(n-1)*stride]
	z2n *= z2n * iz
	for k := 1; k < n-1; k++ {
		sum += (zn + z2n) * c[k*stride]
		zn *= z
		z2n *= iz
	}
	return sum / (1 - zn*zn)
}

// prefilter2D converts a rows × cols row-major grid in place.
func prefilter2D(c []float64, rows, cols, order int) {
	if order < 2 {
		return
	}
	for r := 0; r < rows; r++ {
		prefilter(c[r*cols:], cols, 1, order)
	}
	for col := 0; col < cols; col++ {
		prefilter(c[col:], rows, cols, order)
	}
}

// PrefilterSpectrogram returns a copy of s holding B-spline coefficients of
// the given order along both axes. Transforms told that their input is
// prefiltered skip this step per batch. Orders below 2 return s unchanged.
func PrefilterSpectrogram(s *spect.Spectrogram, order int) *spect.Spectrogram {
	if order < 2 || s.T == 0 || s.F == 0 {
		return s
	}
	buf := make([]float64, len(s.Data))
	for i, v := range s.Data {
		buf[i] = float64(v)
	}
	prefilter2D(buf, s.T, s.F, order)

	out := spect.Zeros(s.T, s.F)
	for i, v := range buf {
		out.Data[i] = float32(v)
	}
	return out
}

// mirror maps an index onto [0, n) by whole-sample symmetric reflection.
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// taps holds the interpolation indices and weights of one output coordinate.
// A nil idx marks a coordinate outside the input range.
type taps struct {
	idx []int
	w   []float64
}

// kernel computes the taps of order-n interpolation at x for an axis of
// length size.
func kernel(x float64, size, order int) taps {
	const eps = 1e-9
	if x < -eps || x > float64(size-1)+eps {
		return taps{}
	}

	var first int
	if order%2 == 1 {
		first = int(math.Floor(x)) - (order-1)/2
	} else {
		first = int(math.Floor(x+0.5)) - order/2
	}

	t := taps{idx: make([]int, order+1), w: make([]float64, order+1)}
	for k := range t.idx {
		i := first + k
		t.idx[k] = mirror(i, size)
		t.w[k] = bspline(order, x-float64(i))
	}
	return t
}
