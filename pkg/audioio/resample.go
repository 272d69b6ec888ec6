package audioio

import "math"

// The interpolation kernel is a 4-lobe Lanczos window sampled into a table
// so that a resampled sample costs a bounded number of multiply-adds and no
// trigonometry. Downsampling widens the kernel to band-limit the input.
const (
	kernelLobes      = 4
	kernelResolution = 512
)

var kernelTable = buildKernelTable()

func buildKernelTable() []float64 {
	table := make([]float64, kernelLobes*kernelResolution+2)
	for i := range table {
		table[i] = lanczos(float64(i) / kernelResolution)
	}
	return table
}

func lanczos(x float64) float64 {
	if x == 0 {
		return 1
	}
	if x >= kernelLobes {
		return 0
	}
	px := math.Pi * x
	return kernelLobes * math.Sin(px) * math.Sin(px/kernelLobes) / (px * px)
}

func kernel(x float64) float64 {
	x = math.Abs(x)
	if x >= kernelLobes {
		return 0
	}
	pos := x * kernelResolution
	i := int(pos)
	frac := pos - float64(i)
	return kernelTable[i] + (kernelTable[i+1]-kernelTable[i])*frac
}

// filter holds the per-ratio constants of the interpolator.
type filter struct {
	step  float64 // input samples advanced per output sample
	scale float64 // kernel compression, < 1 when downsampling
	reach int     // taps on each side of the center
}

func newFilter(rateIn, rateOut int) filter {
	scale := math.Min(1, float64(rateOut)/float64(rateIn))
	return filter{
		step:  float64(rateIn) / float64(rateOut),
		scale: scale,
		reach: int(math.Ceil(kernelLobes / scale)),
	}
}

// at interpolates src at fractional position t. Indexes outside src
// repeat the edge sample.
func (f filter) at(src []int16, t float64) int16 {
	center := int(math.Floor(t))
	last := len(src) - 1

	var acc, wsum float64
	for k := center - f.reach + 1; k <= center+f.reach; k++ {
		w := kernel((t - float64(k)) * f.scale)
		if w == 0 {
			continue
		}
		idx := k
		if idx < 0 {
			idx = 0
		} else if idx > last {
			idx = last
		}
		acc += w * float64(src[idx])
		wsum += w
	}
	if wsum == 0 {
		return src[min(max(center, 0), last)]
	}
	return ClampSample(acc / wsum)
}

// Resample converts samples from fromRate to toRate.
//
// The output has round(len(samples) * toRate / fromRate) samples, produced
// by windowed-sinc interpolation and saturated to the int16 range. Equal
// rates, empty input and non-positive rates return samples unchanged. No
// state is kept between calls, so consecutive chunks may show a small
// discontinuity at their boundary; use Resampler to avoid it.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	f := newFilter(fromRate, toRate)
	result := make([]int16, outLen)
	for i := range result {
		result[i] = f.at(samples, float64(i)*f.step)
	}
	return result
}

// ResampleBytes resamples PCM16 bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// Resampler converts a continuous stream between two rates, keeping the
// interpolation phase and kernel history across calls so that chunk
// boundaries do not introduce discontinuities. Output lags input by the
// kernel reach (a handful of samples).
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	fromRate int
	toRate   int
	f        filter
	hist     []int16
	pos      float64
}

// NewResampler creates a streaming resampler.
func NewResampler(fromRate, toRate int) *Resampler {
	r := &Resampler{fromRate: fromRate, toRate: toRate}
	if fromRate > 0 && toRate > 0 && fromRate != toRate {
		r.f = newFilter(fromRate, toRate)
	}
	r.Reset()
	return r
}

// Reset discards history, as after a gap in the stream.
func (r *Resampler) Reset() {
	r.hist = r.hist[:0]
	for i := 0; i < r.f.reach; i++ {
		r.hist = append(r.hist, 0)
	}
	r.pos = float64(r.f.reach)
}

// Process appends the resampled form of samples to dst and returns the
// extended slice.
func (r *Resampler) Process(dst, samples []int16) []int16 {
	if r.fromRate == r.toRate || r.f.step == 0 {
		return append(dst, samples...)
	}

	r.hist = append(r.hist, samples...)
	limit := float64(len(r.hist) - r.f.reach)
	for r.pos < limit {
		dst = append(dst, r.f.at(r.hist, r.pos))
		r.pos += r.f.step
	}

	if drop := int(r.pos) - r.f.reach; drop > 0 {
		if drop > len(r.hist) {
			drop = len(r.hist)
		}
		n := copy(r.hist, r.hist[drop:])
		r.hist = r.hist[:n]
		r.pos -= float64(drop)
	}
	return dst
}

// Rates returns the input and output rates.
func (r *Resampler) Rates() (from, to int) {
	return r.fromRate, r.toRate
}
