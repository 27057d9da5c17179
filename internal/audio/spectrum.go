package audio

import (
	"math"
	"math/cmplx"
)

// Window size of the spectrum analysis; 128 bins, the lower 64 are averaged.
const spectrumSize = 256

// Level returns the average magnitude of the lower half of the frequency
// spectrum of window, mapped onto [0,1] over a -100..-30 dB range. Shorter
// windows are zero padded.
func Level(window []int16) float64 {
	if len(window) == 0 {
		return 0
	}
	var x [spectrumSize]complex128
	n := len(window)
	if n > spectrumSize {
		window = window[n-spectrumSize:]
		n = spectrumSize
	}
	for i := 0; i < n; i++ {
		hann := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(spectrumSize-1))
		x[i] = complex(float64(window[i])/32768*hann, 0)
	}
	fft(x[:])

	const (
		bins   = spectrumSize / 2
		lower  = bins / 2
		minDB  = -100.0
		maxDB  = -30.0
		rangeD = maxDB - minDB
	)
	var sum float64
	for k := 0; k < lower; k++ {
		mag := cmplx.Abs(x[k]) / spectrumSize
		db := minDB
		if mag > 0 {
			db = 20 * math.Log10(mag)
		}
		v := (db - minDB) / rangeD
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		sum += v
	}
	return sum / lower
}

// fft is an in-place radix-2 transform; len(a) must be a power of two.
func fft(a []complex128) {
	n := len(a)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := a[start+k]
				v := a[start+k+size/2] * w
				a[start+k] = u + v
				a[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}
