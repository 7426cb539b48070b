// Package deepgram synthesizes speech over the Deepgram speak websocket.
// The SDK delivers audio through a callback interface; this package bridges
// the callbacks into a pull stream, one connection per utterance.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"

	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/logging"
	"github.com/harunnryd/banter/pkg/synth"
)

const (
	// idleWindow is how long the stream tolerates silence after the first
	// audio chunk before treating the utterance as complete. The Flushed
	// event is the primary end signal; this is the fallback when it never
	// arrives.
	idleWindow = time.Second

	// maxStreamWait bounds how long a stream waits for any audio at all.
	maxStreamWait = 30 * time.Second
)

type Config struct {
	APIKey     string
	Model      string
	Encoding   string
	SampleRate int
	Channels   int
}

type Synthesizer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{cfg: cfg, log: logging.NewComponentLogger(log, "deepgram_tts")}, nil
}

func (s *Synthesizer) Name() string { return "deepgram" }

func (s *Synthesizer) Synthesize(ctx context.Context, req synth.Request) (synth.Stream, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.New("deepgram: empty text")
	}

	st := &speakStream{
		req:    req,
		cfg:    s.cfg,
		log:    s.log,
		audio:  make(chan []byte, 64),
		errs:   make(chan error, 1),
		fin:    make(chan struct{}),
		closed: make(chan struct{}),
	}

	options := &interfaces.WSSpeakOptions{
		Model:      s.cfg.Model,
		Encoding:   s.cfg.Encoding,
		SampleRate: s.cfg.SampleRate,
	}
	dg, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, &interfaces.ClientOptions{}, options, &speakCallback{stream: st})
	if err != nil {
		s.log.Error("deepgram client create failed",
			slog.String("turn_id", req.TurnID),
			slog.String("error", err.Error()))
		return nil, err
	}
	st.client = dg

	if !dg.Connect() {
		return nil, errors.New("deepgram: connect failed")
	}
	s.log.Debug("connected to deepgram",
		slog.String("turn_id", req.TurnID),
		slog.String("model", s.cfg.Model))

	if err := dg.SpeakWithText(text); err != nil {
		dg.Stop()
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthSend)
	}
	if err := dg.Flush(); err != nil {
		dg.Stop()
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthSend)
	}

	go st.watch()
	return st, nil
}

type speakStream struct {
	client *client.WSCallback
	req    synth.Request
	cfg    Config
	log    *slog.Logger

	audio chan []byte
	errs  chan error
	fin   chan struct{}

	finOnce   sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	seq      int64
	lastRecv atomic.Int64
	gotAudio atomic.Bool
}

func (st *speakStream) Recv() (frames.AudioFrame, error) {
	// Buffered audio is drained before any end-of-stream signal so frames
	// already delivered by the server are never dropped.
	select {
	case b := <-st.audio:
		return st.wrap(b), nil
	default:
	}
	select {
	case b := <-st.audio:
		return st.wrap(b), nil
	case err := <-st.errs:
		return frames.AudioFrame{}, err
	case <-st.fin:
		select {
		case b := <-st.audio:
			return st.wrap(b), nil
		case err := <-st.errs:
			return frames.AudioFrame{}, err
		default:
			return frames.AudioFrame{}, io.EOF
		}
	case <-st.closed:
		return frames.AudioFrame{}, errors.New("deepgram: stream closed")
	}
}

func (st *speakStream) Close() error {
	st.closeOnce.Do(func() {
		close(st.closed)
		st.client.Stop()
	})
	return nil
}

func (st *speakStream) wrap(b []byte) frames.AudioFrame {
	st.seq++
	return frames.NewAudioFrame(st.req.Source, st.seq, b, st.cfg.SampleRate, st.cfg.Channels)
}

func (st *speakStream) finish() {
	st.finOnce.Do(func() { close(st.fin) })
}

func (st *speakStream) fail(err error) {
	select {
	case st.errs <- err:
	default:
	}
}

// watch closes the stream when the server goes quiet without a Flushed
// event, so a lost end signal cannot wedge a turn.
func (st *speakStream) watch() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(maxStreamWait)
	for {
		select {
		case <-st.fin:
			return
		case <-st.closed:
			return
		case <-ticker.C:
			if st.gotAudio.Load() {
				last := time.Unix(0, st.lastRecv.Load())
				if time.Since(last) > idleWindow {
					st.log.Debug("deepgram stream idle, treating as complete",
						slog.String("turn_id", st.req.TurnID))
					st.finish()
					return
				}
			}
			if time.Now().After(deadline) {
				if !st.gotAudio.Load() {
					st.fail(errors.New("deepgram: no audio before deadline"))
				}
				st.finish()
				return
			}
		}
	}
}

type speakCallback struct {
	stream     *speakStream
	metaLogged bool
}

func (c *speakCallback) Open(or *msginterfaces.OpenResponse) error {
	c.stream.log.Debug("deepgram connection opened",
		slog.String("turn_id", c.stream.req.TurnID))
	return nil
}

func (c *speakCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.metaLogged {
		c.metaLogged = true
		c.stream.log.Debug("deepgram metadata received",
			slog.String("turn_id", c.stream.req.TurnID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *speakCallback) Binary(byMsg []byte) error {
	if len(byMsg) == 0 {
		return nil
	}
	b := make([]byte, len(byMsg))
	copy(b, byMsg)
	c.stream.lastRecv.Store(time.Now().UnixNano())
	c.stream.gotAudio.Store(true)
	select {
	case c.stream.audio <- b:
	case <-c.stream.closed:
	case <-c.stream.fin:
	}
	return nil
}

func (c *speakCallback) Flush(fl *msginterfaces.FlushedResponse) error {
	c.stream.log.Debug("deepgram flush complete",
		slog.String("turn_id", c.stream.req.TurnID))
	c.stream.finish()
	return nil
}

func (c *speakCallback) Clear(cl *msginterfaces.ClearedResponse) error {
	c.stream.log.Debug("deepgram buffer cleared",
		slog.String("turn_id", c.stream.req.TurnID))
	return nil
}

func (c *speakCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.stream.log.Debug("deepgram connection closed",
		slog.String("turn_id", c.stream.req.TurnID))
	c.stream.finish()
	return nil
}

func (c *speakCallback) Warning(wr *msginterfaces.WarningResponse) error {
	c.stream.log.Warn("deepgram warning",
		slog.String("turn_id", c.stream.req.TurnID))
	return nil
}

func (c *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	err := fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg)
	c.stream.log.Error("deepgram error",
		slog.String("turn_id", c.stream.req.TurnID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.stream.fail(err)
	c.stream.finish()
	return nil
}

func (c *speakCallback) UnhandledEvent(byData []byte) error {
	c.stream.log.Debug("deepgram unhandled event",
		slog.String("turn_id", c.stream.req.TurnID),
		slog.String("data", string(byData)))
	return nil
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
