package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Deepgram streams audio to the Deepgram live transcription API over a
// websocket. Session options travel in the URL query of the upgrade
// request; results arrive as JSON text messages.
type Deepgram struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

// NewDeepgram creates a Deepgram provider. baseURL is the listen endpoint,
// e.g. wss://api.deepgram.com/v1/listen; tests point it at a local server.
func NewDeepgram(apiKey, baseURL string, log zerolog.Logger) *Deepgram {
	return &Deepgram{
		apiKey:  apiKey,
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		log:     log,
	}
}

// sessionURL builds the session-open request URL. Every SessionConfig field
// is applied here; the exhaustiveness is pinned by TestSessionURL_AppliesEveryConfigField.
func (d *Deepgram) sessionURL(cfg SessionConfig) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid provider URL %q: %w", d.baseURL, err)
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("numerals", strconv.FormatBool(cfg.Numerals))
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect opens a streaming session. A successful upgrade is the provider's
// acknowledgement that the session configuration was accepted.
func (d *Deepgram) Connect(ctx context.Context, cfg SessionConfig) (Conn, error) {
	endpoint, err := d.sessionURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial failed: %w", err)
	}

	d.log.Debug().
		Str("model", cfg.Model).
		Str("language", cfg.Language).
		Int("sample_rate", cfg.SampleRate).
		Msg("deepgram session opened")

	return &deepgramConn{conn: conn, log: d.log}, nil
}

// deepgramResponse is the wire shape of a Deepgram live message.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	// Guards writes: audio, keep-alive and finalize come from the session
	// task, but close may race from the stop path.
	wmu sync.Mutex
}

func (c *deepgramConn) Send(pcm []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *deepgramConn) KeepAlive() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
}

func (c *deepgramConn) Finalize() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
}

// Recv returns the next transcript result, skipping metadata and speech
// event messages.
func (c *deepgramConn) Recv() (Result, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return Result{}, err
		}

		var resp deepgramResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.Warn().Err(err).Msg("unparseable deepgram message, skipping")
			continue
		}

		switch resp.Type {
		case "Results", "":
			// Older responses omit the type field
		case "Metadata", "SpeechStarted", "UtteranceEnd":
			continue
		default:
			c.log.Debug().Str("type", resp.Type).Msg("unknown deepgram message type")
			continue
		}

		transcript := ""
		confidence := 0.0
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
			confidence = resp.Channel.Alternatives[0].Confidence
		}

		return Result{
			Text:         transcript,
			IsFinal:      resp.IsFinal,
			SpeechFinal:  resp.SpeechFinal,
			FromFinalize: resp.FromFinalize,
			Confidence:   confidence,
			Start:        resp.Start,
			Duration:     resp.Duration,
		}, nil
	}
}

func (c *deepgramConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.conn.Close()
}
