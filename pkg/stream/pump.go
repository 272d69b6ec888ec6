package stream

import (
	"sync/atomic"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/transport"
)

// capturePump is the body of the capture callback. It copies each block
// into a new chunk and pushes it without blocking.
type capturePump struct {
	queue *audioio.Queue
	stop  *transport.StopSignal
	rate  int

	blocks atomic.Uint64
}

func (p *capturePump) onCapture(samples []int16) {
	if p.stop.Requested() {
		return
	}
	p.queue.TryPush(audioio.ChunkFromSamples(samples, p.rate))
	p.blocks.Add(1)
}

// playbackPump is the body of the playback callback. It pulls as many
// queued chunks as needed to fill the device block, resampling them to the
// device rate. Samples left over from the last chunk are kept for the next
// period; any shortfall is zero-filled.
//
// All fields except the counters are owned by the callback thread.
type playbackPump struct {
	queue      *audioio.Queue
	stop       *transport.StopSignal
	deviceRate int
	resampler  *audioio.Resampler // nil in stateless mode

	decoded []int16
	pending []int16

	blocks    atomic.Uint64
	silent    atomic.Uint64
	underruns atomic.Uint64
}

func newPlaybackPump(queue *audioio.Queue, stop *transport.StopSignal, sourceRate, deviceRate int, mode ResamplerMode) *playbackPump {
	p := &playbackPump{
		queue:      queue,
		stop:       stop,
		deviceRate: deviceRate,
	}
	if mode == ResamplerContinuous {
		p.resampler = audioio.NewResampler(sourceRate, deviceRate)
	}
	return p
}

func (p *playbackPump) onPlayback(out []int16) {
	p.blocks.Add(1)

	if p.stop.Requested() {
		clear(out)
		p.silent.Add(1)
		return
	}

	for len(p.pending) < len(out) {
		chunk, ok := p.queue.TryPop()
		if !ok {
			break
		}
		p.decoded = chunk.AppendSamples(p.decoded[:0])
		p.pending = p.convert(p.pending, p.decoded, chunk.SampleRate())
	}

	n := copy(out, p.pending)
	clear(out[n:])
	p.pending = p.pending[:copy(p.pending, p.pending[n:])]

	switch {
	case n == 0:
		p.silent.Add(1)
	case n < len(out):
		p.underruns.Add(1)
	}
}

func (p *playbackPump) convert(dst, samples []int16, rate int) []int16 {
	if p.resampler != nil {
		if from, _ := p.resampler.Rates(); from == rate {
			return p.resampler.Process(dst, samples)
		}
	}
	return append(dst, audioio.Resample(samples, rate, p.deviceRate)...)
}
