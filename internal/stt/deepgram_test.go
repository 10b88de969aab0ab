package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func testConfig() SessionConfig {
	return SessionConfig{
		SampleRate:     16000,
		Channels:       1,
		Model:          "nova-3",
		Language:       "en-US",
		EndpointingMs:  50,
		InterimResults: true,
		SmartFormat:    true,
		Punctuate:      true,
		Numerals:       true,
		Keywords:       []string{"kubernetes", "grpc"},
	}
}

func TestSessionURL_AppliesEveryConfigField(t *testing.T) {
	d := NewDeepgram("key", "wss://api.example.com/v1/listen", zerolog.Nop())

	raw, err := d.sessionURL(testConfig())
	if err != nil {
		t.Fatalf("sessionURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse session URL: %v", err)
	}
	q := u.Query()

	want := map[string]string{
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"model":           "nova-3",
		"language":        "en-US",
		"endpointing":     "50",
		"interim_results": "true",
		"smart_format":    "true",
		"punctuate":       "true",
		"numerals":        "true",
	}
	for key, val := range want {
		if got := q.Get(key); got != val {
			t.Errorf("query %s = %q, want %q", key, got, val)
		}
	}

	kws := q["keywords"]
	if len(kws) != 2 || kws[0] != "kubernetes" || kws[1] != "grpc" {
		t.Errorf("keywords = %v, want [kubernetes grpc]", kws)
	}
}

func TestSessionURL_FalseBooleans(t *testing.T) {
	d := NewDeepgram("key", "wss://api.example.com/v1/listen", zerolog.Nop())

	cfg := testConfig()
	cfg.InterimResults = false
	cfg.SmartFormat = false
	cfg.Punctuate = false
	cfg.Numerals = false

	raw, err := d.sessionURL(cfg)
	if err != nil {
		t.Fatalf("sessionURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()

	// False must be sent explicitly, not omitted
	for _, key := range []string{"interim_results", "smart_format", "punctuate", "numerals"} {
		if got := q.Get(key); got != "false" {
			t.Errorf("query %s = %q, want %q", key, got, "false")
		}
	}
}

// fakeDeepgramServer upgrades websocket requests and records what it sees.
type fakeDeepgramServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	auth     string
	query    url.Values
	binary   [][]byte
	text     []string
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeDeepgramServer() *fakeDeepgramServer {
	return &fakeDeepgramServer{done: make(chan struct{})}
}

func (s *fakeDeepgramServer) handler(responses []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.query = r.URL.Query()
		s.mu.Unlock()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, resp := range responses {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				s.doneOnce.Do(func() { close(s.done) })
				return
			}
			s.mu.Lock()
			switch mt {
			case websocket.BinaryMessage:
				s.binary = append(s.binary, data)
			case websocket.TextMessage:
				s.text = append(s.text, string(data))
			}
			s.mu.Unlock()
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnect_SendsAuthAndConfig(t *testing.T) {
	fake := newFakeDeepgramServer()
	srv := httptest.NewServer(fake.handler(nil))
	defer srv.Close()

	d := NewDeepgram("secret-key", wsURL(srv), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Connect(ctx, testConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	fake.mu.Lock()
	auth := fake.auth
	query := fake.query
	fake.mu.Unlock()

	if auth != "Token secret-key" {
		t.Errorf("Authorization = %q, want %q", auth, "Token secret-key")
	}
	if query.Get("encoding") != "linear16" {
		t.Errorf("encoding = %q, want linear16", query.Get("encoding"))
	}
	if query.Get("model") != "nova-3" {
		t.Errorf("model = %q, want nova-3", query.Get("model"))
	}
}

func TestConn_SendAndControlMessages(t *testing.T) {
	fake := newFakeDeepgramServer()
	srv := httptest.NewServer(fake.handler(nil))
	defer srv.Close()

	d := NewDeepgram("key", wsURL(srv), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Connect(ctx, testConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.Send(pcm); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := conn.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if err := conn.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-fake.done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection close")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if len(fake.binary) != 1 || string(fake.binary[0]) != string(pcm) {
		t.Errorf("binary messages = %v, want one %v", fake.binary, pcm)
	}
	if len(fake.text) != 2 {
		t.Fatalf("text messages = %v, want 2", fake.text)
	}
	for i, want := range []string{"KeepAlive", "Finalize"} {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(fake.text[i]), &msg); err != nil {
			t.Fatalf("text message %d not JSON: %v", i, err)
		}
		if msg.Type != want {
			t.Errorf("text message %d type = %q, want %q", i, msg.Type, want)
		}
	}
}

func TestConn_RecvMapsResults(t *testing.T) {
	responses := []string{
		`{"type":"Metadata","request_id":"abc"}`,
		`{"type":"SpeechStarted","timestamp":0.1}`,
		`not json at all`,
		`{"type":"Results","is_final":false,"start":0.5,"duration":1.2,
		  "channel":{"alternatives":[{"transcript":"  hello world ","confidence":0.91}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"from_finalize":true,
		  "channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`,
	}

	fake := newFakeDeepgramServer()
	srv := httptest.NewServer(fake.handler(responses))
	defer srv.Close()

	d := NewDeepgram("key", wsURL(srv), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.Connect(ctx, testConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	first, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if first.IsFinal {
		t.Error("first result should be interim")
	}
	if first.Text != "hello world" {
		t.Errorf("first.Text = %q, want trimmed %q", first.Text, "hello world")
	}
	if first.Confidence != 0.91 {
		t.Errorf("first.Confidence = %v, want 0.91", first.Confidence)
	}
	if first.Start != 0.5 || first.Duration != 1.2 {
		t.Errorf("first timing = (%v, %v), want (0.5, 1.2)", first.Start, first.Duration)
	}

	second, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !second.IsFinal || !second.SpeechFinal || !second.FromFinalize {
		t.Errorf("second flags = (%v, %v, %v), want all true",
			second.IsFinal, second.SpeechFinal, second.FromFinalize)
	}
}

func TestConnect_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDeepgram("bad-key", wsURL(srv), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := d.Connect(ctx, testConfig()); err == nil {
		t.Fatal("Connect should fail on a rejected handshake")
	}
}
