package frames

import "sync"

// Source identifies which stage of a turn produced an audio frame.
type Source string

const (
	SourceFiller Source = "filler"
	SourceAnswer Source = "answer"
)

// AudioFrame is one chunk of synthesized audio on its way to the host sink.
// Frames are immutable values; Data returns a copy, RawPayload the backing
// slice for callers that promise not to mutate it.
type AudioFrame struct {
	data   []byte
	rate   int
	ch     int
	seq    int64
	src    Source
	pooled bool
}

func NewAudioFrame(src Source, seq int64, data []byte, rate, ch int) AudioFrame {
	return AudioFrame{
		data: data,
		rate: rate,
		ch:   ch,
		seq:  seq,
		src:  src,
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Callers that drain
// frames in bulk (the memory sink, transports) should hand frames back via
// ReleaseAudioFrame once the payload is consumed.
func NewAudioFrameFromPool(src Source, seq int64, data []byte, rate, ch int) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		data:   buf,
		rate:   rate,
		ch:     ch,
		seq:    seq,
		src:    src,
		pooled: true,
	}
}

func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }
func (a AudioFrame) Seq() int64         { return a.seq }
func (a AudioFrame) Source() Source     { return a.src }

// ReleaseAudioFrame returns a pooled frame's buffer to the pool. Reports
// whether the frame was pooled.
func ReleaseAudioFrame(f AudioFrame) bool {
	if f.pooled {
		ReleaseAudioBuf(f.data)
		return true
	}
	return false
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}
