package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeServer accepts session connections, performs the setup exchange
// and hands the connection to script. Returns the ws:// URL.
func fakeServer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		go func() {
			defer conn.Close()

			data, _, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			var setup setupMessage
			if err := json.Unmarshal(data, &setup); err != nil {
				t.Errorf("setup frame did not parse: %v", err)
				return
			}
			if setup.Setup.AudioIn.SampleRateHz != InputSampleRate {
				t.Errorf("setup audio_in rate = %d, want %d", setup.Setup.AudioIn.SampleRateHz, InputSampleRate)
			}
			if setup.Setup.AudioOut.SampleRateHz != OutputSampleRate {
				t.Errorf("setup audio_out rate = %d, want %d", setup.Setup.AudioOut.SampleRateHz, OutputSampleRate)
			}
			if err := wsutil.WriteServerText(conn, []byte(`{"setup_complete":{}}`)); err != nil {
				return
			}
			script(conn)
		}()
	}))
	t.Cleanup(srv.Close)

	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestSessionDeliversAudioAndTranscripts(t *testing.T) {
	audioIn := make(chan []byte, 1)
	url := fakeServer(t, func(conn net.Conn) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		content, _ := json.Marshal(serverMessage{ServerContent: &serverContent{
			Audio: base64.StdEncoding.EncodeToString(pcm),
			Transcript: &transcriptPayload{
				Speaker: "agent",
				Text:    "hello there",
				Final:   true,
			},
		}})
		if err := wsutil.WriteServerText(conn, content); err != nil {
			return
		}

		// Collect one realtime-input frame from the client.
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		var input realtimeInputMessage
		if err := json.Unmarshal(data, &input); err != nil {
			t.Errorf("realtime input did not parse: %v", err)
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(input.RealtimeInput.Audio.Data)
		if err != nil {
			t.Errorf("audio data is not base64: %v", err)
			return
		}
		audioIn <- decoded
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{URL: url, Model: "test-model"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	select {
	case pcm := <-s.Audio():
		want := []byte{0x01, 0x02, 0x03, 0x04}
		if len(pcm) != len(want) {
			t.Fatalf("audio length = %d, want %d", len(pcm), len(want))
		}
		for i := range want {
			if pcm[i] != want[i] {
				t.Errorf("audio[%d] = %#x, want %#x", i, pcm[i], want[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for audio")
	}

	select {
	case tr := <-s.Transcripts():
		if tr.Speaker != "agent" || tr.Text != "hello there" || !tr.Final {
			t.Errorf("transcript = %+v, want agent/hello there/final", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}

	sent := []byte{0x10, 0x20, 0x30, 0x40}
	s.PushAudio(sent)

	select {
	case got := <-audioIn:
		if len(got) != len(sent) {
			t.Fatalf("server received %d bytes, want %d", len(got), len(sent))
		}
		for i := range sent {
			if got[i] != sent[i] {
				t.Errorf("server audio[%d] = %#x, want %#x", i, got[i], sent[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pushed audio to reach server")
	}
}

func TestSessionSetupRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
			_ = wsutil.WriteServerText(conn, []byte(`{"error":{"code":"unauthorized","message":"bad key"}}`))
		}()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Open(ctx, Config{
		URL:   "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		Model: "test-model",
	})
	if err == nil {
		t.Fatal("Open() error = nil, want setup rejection")
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %v, want the server's rejection code in it", err)
	}
}

func TestSessionFailsAfterSecondDisconnect(t *testing.T) {
	var conns atomic.Int32
	url := fakeServer(t, func(conn net.Conn) {
		conns.Add(1)
		// Drop the connection right after setup.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{URL: url, Model: "test-model"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session failure")
	}

	if err := s.Err(); !errors.Is(err, ErrSession) {
		t.Errorf("Err() = %v, want ErrSession", err)
	}
	if got := conns.Load(); got != 2 {
		t.Errorf("server saw %d connections, want 2 (original plus one reconnect)", got)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	url := fakeServer(t, func(conn net.Conn) {
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Open(ctx, Config{URL: url, Model: "test-model"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after Close")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() after clean Close = %v, want nil", err)
	}
}
