// Package elevenlabs synthesizes speech over the ElevenLabs stream-input
// websocket. Each Synthesize call opens one connection, pushes the whole
// utterance, and hands back a pull stream of raw audio chunks.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/banter/pkg/errorsx"
	"github.com/harunnryd/banter/pkg/frames"
	"github.com/harunnryd/banter/pkg/resilience"
	"github.com/harunnryd/banter/pkg/synth"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	Channels     int

	Stability       float64
	SimilarityBoost float64
}

type Synthesizer struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Synthesizer, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: missing api key or voice id")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.8
	}
	if log == nil {
		log = slog.Default()
	}
	return &Synthesizer{cfg: cfg, log: log}, nil
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) Synthesize(ctx context.Context, req synth.Request) (synth.Stream, error) {
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.VoiceID
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, s.buildURL(voice), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.log.Error("elevenlabs rate limit exceeded",
				slog.String("turn_id", req.TurnID),
				slog.String("status", resp.Status))
			return nil, errorsx.Wrap(
				resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status},
				errorsx.ReasonSynthRateLimit)
		}
		s.log.Error("elevenlabs connect failed",
			slog.String("turn_id", req.TurnID),
			slog.String("error", err.Error()))
		return nil, err
	}
	s.log.Debug("connected to elevenlabs",
		slog.String("turn_id", req.TurnID),
		slog.String("output_format", s.cfg.OutputFormat))

	st := &wsStream{
		conn:   conn,
		req:    req,
		cfg:    s.cfg,
		log:    s.log,
		closed: make(chan struct{}),
	}
	if err := st.begin(); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonSynthSend)
	}
	return st, nil
}

func (s *Synthesizer) buildURL(voice string) string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + voice + "/stream-input"
	q := url.Values{}
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

type wsStream struct {
	conn *websocket.Conn
	req  synth.Request
	cfg  Config
	log  *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
	seq     int64
}

// begin pushes the whole utterance in one go: settings, text, then the
// end-of-input marker so the server knows no more text is coming.
func (st *wsStream) begin() error {
	text := strings.TrimSpace(st.req.Text)
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	msgs := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        st.cfg.Stability,
				"similarity_boost": st.cfg.SimilarityBoost,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text, "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range msgs {
		if err := st.send(m); err != nil {
			return err
		}
	}
	return nil
}

func (st *wsStream) Recv() (frames.AudioFrame, error) {
	for {
		select {
		case <-st.closed:
			return frames.AudioFrame{}, errors.New("elevenlabs: stream closed")
		default:
		}
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			select {
			case <-st.closed:
				return frames.AudioFrame{}, errors.New("elevenlabs: stream closed")
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return frames.AudioFrame{}, io.EOF
			}
			return frames.AudioFrame{}, err
		}
		f, final, ok := st.parse(data)
		if final {
			return frames.AudioFrame{}, io.EOF
		}
		if ok {
			return f, nil
		}
		// Alignment and housekeeping messages; keep reading.
	}
}

func (st *wsStream) parse(data []byte) (frames.AudioFrame, bool, bool) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		st.log.Warn("elevenlabs raw payload", slog.String("data", string(data)))
		return frames.AudioFrame{}, false, false
	}
	if final, _ := msg["isFinal"].(bool); final {
		return frames.AudioFrame{}, true, false
	}
	audio, ok := msg["audio"].(string)
	if !ok {
		if a, ok := msg["audio_base_64"].(string); ok {
			audio = a
		} else if a, ok := msg["audio_base64"].(string); ok {
			audio = a
		} else {
			return frames.AudioFrame{}, false, false
		}
	}
	if audio == "" {
		return frames.AudioFrame{}, false, false
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		st.log.Error("elevenlabs audio decode error", slog.String("error", err.Error()))
		return frames.AudioFrame{}, false, false
	}
	st.seq++
	st.log.Debug("elevenlabs audio chunk",
		slog.String("turn_id", st.req.TurnID),
		slog.Int("size_bytes", len(raw)))
	return frames.NewAudioFrame(st.req.Source, st.seq, raw, st.cfg.SampleRate, st.cfg.Channels), false, true
}

// Close tears the connection down; a blocked Recv unblocks with an error
// that the consumer treats as a deliberate cutoff.
func (st *wsStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.closed)
		st.writeMu.Lock()
		_ = st.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		st.writeMu.Unlock()
		err = st.conn.Close()
	})
	return err
}

func (st *wsStream) send(payload map[string]any) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return st.conn.WriteMessage(websocket.TextMessage, b)
}

var _ synth.Synthesizer = (*Synthesizer)(nil)
