package wavelet

// noiseNorms[s] is the standard deviation of detail plane s when the input
// is unit-variance white Gaussian noise.
var noiseNorms = [...]float64{
	0.889434, 0.200105, 0.0857724, 0.0413447, 0.0202689,
	0.00995628, 0.00513504, 0.00282341, 0.00155427, 0.000877023,
	0.00051776, 0.000311702, 0.000190248, 0.00011643, 7.15233e-05,
}

// NoiseNorm returns the noise level of scale s relative to the noise of the
// source plane. Beyond the table each scale halves the previous one.
func NoiseNorm(s int) float64 {
	if s < 0 {
		s = 0
	}
	if s < len(noiseNorms) {
		return noiseNorms[s]
	}
	n := noiseNorms[len(noiseNorms)-1]
	for i := len(noiseNorms); i <= s; i++ {
		n /= 2
	}
	return n
}
