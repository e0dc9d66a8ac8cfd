package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wavelink/wavelink/internal/engine"
	"github.com/wavelink/wavelink/internal/pool"
)

const testPassword = "youshallnotpass"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	p := pool.New(pool.Config{})
	t.Cleanup(p.Close)
	eng := engine.New(engine.Settings{}, hub, p, logger)
	t.Cleanup(eng.DestroyAll)
	return NewServer(eng, hub, testPassword)
}

func doRequest(t *testing.T, s *Server, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rdr)
	if auth {
		r.Header.Set("Authorization", testPassword)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestHealthUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/api/health", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestProtocolRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	paths := []string{"/version", "/v4/info", "/v4/stats"}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			if w := doRequest(t, s, http.MethodGet, path, "", false); w.Code != http.StatusUnauthorized {
				t.Errorf("unauthenticated status = %d, want 401", w.Code)
			}
			if w := doRequest(t, s, http.MethodGet, path, "", true); w.Code != http.StatusOK {
				t.Errorf("authenticated status = %d, want 200", w.Code)
			}
		})
	}
}

func TestInfoListsFilters(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v4/info", "", true)

	var info InfoResponse
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(info.Filters) != 10 {
		t.Errorf("filters = %d entries, want 10", len(info.Filters))
	}
	if info.Version != Version {
		t.Errorf("version = %q, want %q", info.Version, Version)
	}
}

func TestGetPlayerNotFound(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v4/sessions/abc/players/123", "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUpdatePlayerWithoutVoiceFails(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPatch, "/v4/sessions/abc/players/123",
		`{"paused": true}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without a voice session", w.Code)
	}
}

func TestUpdatePlayerMalformedBody(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPatch, "/v4/sessions/abc/players/123",
		`{"paused": `, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestVoiceStateValidation(t *testing.T) {
	tests := []struct {
		name string
		v    VoiceState
		ok   bool
	}{
		{"gcm mode", VoiceState{Mode: "aead_aes256_gcm_rtpsize"}, true},
		{"legacy mode", VoiceState{Mode: "xsalsa20_poly1305"}, true},
		{"unknown mode", VoiceState{Mode: "rot13"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.v.AEADMode()
			if tt.ok && err != nil {
				t.Errorf("AEADMode() error = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("AEADMode() = nil error, want failure")
			}
		})
	}
}

func TestDestroyPlayerIdempotent(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		w := doRequest(t, s, http.MethodDelete, "/v4/sessions/abc/players/123", "", true)
		if w.Code != http.StatusNoContent {
			t.Errorf("delete %d status = %d, want 204", i, w.Code)
		}
	}
}

func TestTrackSourceToRemote(t *testing.T) {
	src := TrackSource{
		URL:           "https://cdn.example.com/audio.ogg",
		ContainerHint: "ogg",
		Length:        1000,
	}
	remote, err := src.ToRemote()
	if err != nil {
		t.Fatal(err)
	}
	if remote.URL != src.URL || remote.ContainerHint != "ogg" || remote.Length != 1000 {
		t.Errorf("conversion mismatch: %+v", remote)
	}

	// Zero length means unknown.
	remote, err = (&TrackSource{URL: "https://x"}).ToRemote()
	if err != nil {
		t.Fatal(err)
	}
	if remote.Length != -1 {
		t.Errorf("length = %d, want -1 for unknown", remote.Length)
	}

	// Bad segment key material is rejected.
	if _, err := (&TrackSource{Segments: []SegmentSpec{{URL: "https://x", Key: "!!", IV: "!!"}}}).ToRemote(); err == nil {
		t.Error("expected an error for invalid base64 key")
	}
}

func TestMarshalEventShapes(t *testing.T) {
	fp := engine.Fingerprint{GuildID: "42", Seq: 7}

	tests := []struct {
		name string
		ev   engine.Event
		want map[string]any
	}{
		{
			"track start",
			engine.TrackStart{Track: fp},
			map[string]any{"op": "event", "type": "TrackStartEvent", "guildId": "42"},
		},
		{
			"track end",
			engine.TrackEnd{Track: fp, Reason: engine.ReasonReplaced},
			map[string]any{"op": "event", "type": "TrackEndEvent", "reason": "replaced", "mayStartNext": false},
		},
		{
			"stuck",
			engine.TrackStuck{Track: fp, ThresholdMs: 10000},
			map[string]any{"op": "event", "type": "TrackStuckEvent", "thresholdMs": float64(10000)},
		},
		{
			"player update",
			engine.PlayerUpdate{GuildID: "42", PositionMs: 1234, Connected: true, PingMs: 17},
			map[string]any{"op": "playerUpdate", "guildId": "42"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := marshalEvent(tt.ev)
			if raw == nil {
				t.Fatal("marshalEvent returned nil")
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
