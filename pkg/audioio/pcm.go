package audioio

import "math"

// BytesToSamples converts PCM16 little-endian bytes to int16 samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	DecodeSamples(samples, data)
	return samples
}

// SamplesToBytes converts int16 samples to PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	EncodeSamples(data, samples)
	return data
}

// DecodeSamples decodes PCM16 bytes into dst without allocating and
// returns the number of samples written.
func DecodeSamples(dst []int16, data []byte) int {
	n := min(len(dst), len(data)/2)
	for i := 0; i < n; i++ {
		dst[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return n
}

// EncodeSamples encodes samples into dst without allocating and returns the
// number of samples written.
func EncodeSamples(dst []byte, samples []int16) int {
	n := min(len(samples), len(dst)/2)
	for i := 0; i < n; i++ {
		s := uint16(samples[i])
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return n
}

// ClampSample rounds v to the nearest integer and saturates it into the
// int16 range.
func ClampSample(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// CalculateRMS calculates the root mean square (volume level) of samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
