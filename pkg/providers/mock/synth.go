// Package mock provides in-process synthesis and generation providers for
// local simulation and tests. No network, deterministic output.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/synth"
)

// SynthConfig shapes the fake audio. Frame count scales with text length so
// longer phrases take proportionally longer to play, like real speech.
type SynthConfig struct {
	SampleRate int           // default 8000
	Channels   int           // default 1
	FrameBytes int           // default 160 (20ms of 8kHz mono PCM)
	FrameGap   time.Duration // pacing between frames; default 20ms

	// ConnectDelay simulates the provider handshake.
	ConnectDelay time.Duration

	// FailConnect makes every Synthesize call fail with this error.
	FailConnect error

	// FailAfter ends streams with StreamErr after that many frames. Zero
	// disables the fault.
	FailAfter int
	StreamErr error
}

type Synthesizer struct {
	cfg SynthConfig
}

func NewSynthesizer(cfg SynthConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.FrameBytes == 0 {
		cfg.FrameBytes = 160
	}
	if cfg.FrameGap == 0 {
		cfg.FrameGap = 20 * time.Millisecond
	}
	if cfg.FailAfter > 0 && cfg.StreamErr == nil {
		cfg.StreamErr = errors.New("mock: injected stream failure")
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock" }

func (s *Synthesizer) Synthesize(ctx context.Context, req synth.Request) (synth.Stream, error) {
	if s.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(s.cfg.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.cfg.FailConnect != nil {
		return nil, s.cfg.FailConnect
	}
	return &mockStream{
		req:    req,
		cfg:    s.cfg,
		total:  framesForText(req.Text),
		closed: make(chan struct{}),
	}, nil
}

// framesForText maps text length to a frame count: roughly one frame per
// four characters, clamped so even "Hm." is audible.
func framesForText(text string) int {
	n := len(text) / 4
	if n < 2 {
		n = 2
	}
	if n > 400 {
		n = 400
	}
	return n
}

type mockStream struct {
	req   synth.Request
	cfg   SynthConfig
	total int

	once   sync.Once
	closed chan struct{}

	mu   sync.Mutex
	sent int
}

func (st *mockStream) Recv() (frames.AudioFrame, error) {
	select {
	case <-st.closed:
		return frames.AudioFrame{}, errors.New("mock: stream closed")
	default:
	}
	if st.cfg.FrameGap > 0 {
		select {
		case <-time.After(st.cfg.FrameGap):
		case <-st.closed:
			return frames.AudioFrame{}, errors.New("mock: stream closed")
		}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cfg.FailAfter > 0 && st.sent >= st.cfg.FailAfter {
		return frames.AudioFrame{}, st.cfg.StreamErr
	}
	if st.sent >= st.total {
		return frames.AudioFrame{}, io.EOF
	}
	st.sent++
	pcm := make([]byte, st.cfg.FrameBytes)
	return frames.NewAudioFrame(st.req.Source, int64(st.sent), pcm, st.cfg.SampleRate, st.cfg.Channels), nil
}

func (st *mockStream) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
