package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/leozhu3572/plab/pkg/provider/live"
	"github.com/leozhu3572/plab/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// serverContent builds a serverContent envelope around the given content map.
func serverContent(content map[string]any) map[string]any {
	return map[string]any{"serverContent": content}
}

// audioContent builds a serverContent message carrying one base64 audio part.
func audioContent(pcm []byte) map[string]any {
	return serverContent(map[string]any{
		"modelTurn": map[string]any{
			"parts": []map[string]any{
				{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			},
		},
	})
}

// collectEvents reads n events or fails after a timeout.
func collectEvents(t *testing.T, sess live.Session, n int) []live.Event {
	t.Helper()
	out := make([]live.Event, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				t.Fatalf("event stream closed after %d of %d events (err: %v)", len(out), n, sess.Err())
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout after %d of %d events", len(out), n)
		}
	}
	return out
}

// ── Connect / setup ────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("test-model"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:        "Puck",
		Instructions: "You are opposing counsel.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if want := "models/test-model"; msg.Setup.Model != want {
			t.Errorf("model = %q; want %q", msg.Setup.Model, want)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", got)
		}
		if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil {
			t.Error("speechConfig missing")
		} else if got := sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
			t.Errorf("voiceName = %q; want Puck", got)
		}
		if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "You are opposing counsel." {
			t.Errorf("systemInstruction = %+v; want persona verbatim", si)
		}
		if msg.Setup.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription not requested")
		}
		if msg.Setup.OutputAudioTranscription == nil {
			t.Error("outputAudioTranscription not requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	voiceCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				GenerationConfig struct {
					SpeechConfig struct {
						VoiceConfig struct {
							PrebuiltVoiceConfig struct {
								VoiceName string `json:"voiceName"`
							} `json:"prebuiltVoiceConfig"`
						} `json:"voiceConfig"`
					} `json:"speechConfig"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		voiceCh <- msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case voice := <-voiceCh:
		if voice != "Kore" {
			t.Errorf("default voice = %q; want Kore", voice)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for voice")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded against closed port")
	}
	if !errors.Is(err, live.ErrConnectFailed) {
		t.Errorf("err = %v; want wrapping live.ErrConnectFailed", err)
	}
}

func TestConnect_ClosedBeforeAck(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Close without ever sending setupComplete.
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded without setupComplete")
	}
	if !errors.Is(err, live.ErrConnectFailed) {
		t.Errorf("err = %v; want wrapping live.ErrConnectFailed", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge; wait for the client to go away.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(ctx, live.SessionConfig{})
	if !errors.Is(err, live.ErrConnectFailed) {
		t.Errorf("err = %v; want wrapping live.ErrConnectFailed", err)
	}
}

// ── SendAudio ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesRealtimeInput(t *testing.T) {
	t.Parallel()

	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	received := make(chan inputMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)

		var msg inputMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("mediaChunks = %d; want 1", len(msg.RealtimeInput.MediaChunks))
		}
		mc := msg.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", mc.MIMEType)
		}
		if want := base64.StdEncoding.EncodeToString(chunk); mc.Data != want {
			t.Errorf("data = %q; want %q", mc.Data, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendAudio_AfterCloseIsSilentDrop(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{1, 2}); err != nil {
		t.Errorf("SendAudio after Close = %v; want silent drop", err)
	}
}

// ── Events ─────────────────────────────────────────────────────────────────────

func TestEvents_OrderedDispatch(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, audioContent(pcm))
		writeJSON(t, conn, serverContent(map[string]any{
			"outputTranscription": map[string]any{"text": "obj"},
		}))
		writeJSON(t, conn, serverContent(map[string]any{
			"inputTranscription": map[string]any{"text": "I di"},
		}))
		writeJSON(t, conn, serverContent(map[string]any{
			"interrupted": true,
		}))
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	events := collectEvents(t, sess, 4)

	if events[0].Kind != live.EventAudio || string(events[0].Audio) != string(pcm) {
		t.Errorf("event 0 = %+v; want audio %v", events[0], pcm)
	}
	if events[1].Kind != live.EventTranscript || events[1].Text != "obj" || events[1].IsUser {
		t.Errorf("event 1 = %+v; want model transcript \"obj\"", events[1])
	}
	if events[2].Kind != live.EventTranscript || events[2].Text != "I di" || !events[2].IsUser {
		t.Errorf("event 2 = %+v; want user transcript \"I di\"", events[2])
	}
	if events[3].Kind != live.EventInterrupted {
		t.Errorf("event 3 = %+v; want interruption", events[3])
	}
}

func TestEvents_ClosedOnServerClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		// handler returns: deferred normal closure
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event before close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event stream to close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after clean server close = %v; want nil", err)
	}
}

func TestEvents_TransportErrorLatched(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event before close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event stream to close")
	}
	if !errors.Is(sess.Err(), live.ErrTransport) {
		t.Errorf("Err() = %v; want wrapping live.ErrTransport", sess.Err())
	}
}

// ── Close ──────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Caller-initiated close ends the stream cleanly.
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event stream to close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after caller Close = %v; want nil", err)
	}
}
