package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martinnss/spik-conversation-service/internal/session"
	"github.com/martinnss/spik-conversation-service/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubSession struct {
	state    session.State
	muted    bool
	startErr error
	sendErr  error
	sent     []string
	stopped  int
	evals    int
}

func (s *stubSession) Start(ctx context.Context, levelID *int, speakingSpeed float64) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.state = session.StateConnecting
	return nil
}

func (s *stubSession) Stop()              { s.stopped++; s.state = session.StateDisconnected }
func (s *stubSession) SetMuted(m bool)    { s.muted = m }
func (s *stubSession) ToggleMute()        { s.muted = !s.muted }
func (s *stubSession) Muted() bool        { return s.muted }
func (s *stubSession) RequestResponse() error { s.evals++; return nil }

func (s *stubSession) SendText(text string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubSession) Status() session.Status {
	return session.Status{
		State:      s.state,
		Muted:      s.muted,
		Transcript: []transcript.Entry{},
	}
}

func newTestServer(t *testing.T, sess *stubSession) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	router := NewRouter(sess, hub, nil, testLogger())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartEndpoint(t *testing.T) {
	sess := &stubSession{}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/start", map[string]any{"speaking_speed": 1.2})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if sess.state != session.StateConnecting {
		t.Errorf("expected start to be invoked, state %s", sess.state)
	}
}

func TestStartConflict(t *testing.T) {
	sess := &stubSession{startErr: fmt.Errorf("a connection attempt is already in progress")}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/start", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStopEndpoint(t *testing.T) {
	sess := &stubSession{state: session.StateConnected}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/stop", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if sess.stopped != 1 {
		t.Errorf("expected one stop call, got %d", sess.stopped)
	}
}

func TestMuteEndpoints(t *testing.T) {
	sess := &stubSession{}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/mute", map[string]any{"muted": true})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if !sess.muted {
		t.Error("expected mute to be set")
	}

	resp = postJSON(t, srv.URL+"/v1/session/mute/toggle", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if sess.muted {
		t.Error("expected toggle to clear the mute")
	}

	var body struct {
		Muted bool `json:"muted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Muted {
		t.Error("expected response to report unmuted")
	}
}

func TestMessageEndpoint(t *testing.T) {
	sess := &stubSession{}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/message", map[string]any{"text": "hola"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if len(sess.sent) != 1 || sess.sent[0] != "hola" {
		t.Errorf("expected message forwarded, got %v", sess.sent)
	}

	resp = postJSON(t, srv.URL+"/v1/session/message", map[string]any{"text": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", resp.StatusCode)
	}
}

func TestMessageWithoutSession(t *testing.T) {
	sess := &stubSession{sendErr: fmt.Errorf("no active session")}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/message", map[string]any{"text": "hola"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	sess := &stubSession{}
	srv, _ := newTestServer(t, sess)

	resp := postJSON(t, srv.URL+"/v1/session/evaluate", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if sess.evals != 1 {
		t.Errorf("expected one evaluation request, got %d", sess.evals)
	}
}

func TestStatusEndpoint(t *testing.T) {
	sess := &stubSession{state: session.StateConnected, muted: true}
	srv, _ := newTestServer(t, sess)

	resp, err := http.Get(srv.URL + "/v1/session")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		State string `json:"state"`
		Muted bool   `json:"muted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.State != "connected" || !status.Muted {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestCaptureProfileEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubSession{})

	resp, err := http.Get(srv.URL + "/v1/capture-profile")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var profile struct {
		EchoCancellation bool `json:"echo_cancellation"`
		AutoGainControl  bool `json:"auto_gain_control"`
		NoiseSuppression bool `json:"noise_suppression"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if !profile.EchoCancellation || profile.AutoGainControl || !profile.NoiseSuppression {
		t.Errorf("unexpected capture profile %+v", profile)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubSession{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStreamFeed(t *testing.T) {
	sess := &stubSession{}
	srv, hub := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("failed to read hello: %v", err)
	}
	if hello.Type != "hello" {
		t.Errorf("expected hello message, got %q", hello.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected one subscriber, got %d", hub.Count())
	}

	hub.Broadcast(map[string]any{"type": "state", "state": "connected"})

	var ev struct {
		Type  string `json:"type"`
		State string `json:"state"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}
	if ev.Type != "state" || ev.State != "connected" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestBroadcastConcurrentWriters(t *testing.T) {
	sess := &stubSession{}
	srv, hub := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("failed to read hello: %v", err)
	}

	// Session callbacks broadcast from independent goroutines; every write
	// must serialize on the connection, oversized payloads included.
	const writers = 8
	const perWriter = 20
	payload := map[string]any{
		"type":    "transcript",
		"entries": strings.Repeat("x", 8192),
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				hub.Broadcast(payload)
			}
		}()
	}

	for i := 0; i < writers*perWriter; i++ {
		var ev struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("broadcast %d failed: %v", i, err)
		}
		if ev.Type != "transcript" {
			t.Fatalf("broadcast %d corrupted: %+v", i, ev)
		}
	}
	wg.Wait()

	if hub.Count() != 1 {
		t.Errorf("expected subscriber to survive concurrent broadcasts, got %d", hub.Count())
	}
}

func TestStreamKeepsIdleSubscriberAlive(t *testing.T) {
	oldPing, oldPong := pingInterval, pongWait
	pingInterval, pongWait = 20*time.Millisecond, 100*time.Millisecond
	defer func() { pingInterval, pongWait = oldPing, oldPong }()

	sess := &stubSession{}
	srv, hub := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial stream: %v", err)
	}
	defer conn.Close()

	// The default ping handler answers with pongs as long as we keep reading.
	// An idle subscriber must stay registered well past the pong deadline.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(3 * pongWait)
	if hub.Count() != 1 {
		t.Errorf("expected idle subscriber to stay connected, got %d", hub.Count())
	}
}

func TestHubDropsDeadConnections(t *testing.T) {
	sess := &stubSession{}
	srv, hub := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial stream: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.Broadcast(map[string]any{"type": "ping"})
		if hub.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected dead connection to be removed, still %d subscribers", hub.Count())
}
