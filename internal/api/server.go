package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/wavelink/wavelink/internal/api/middleware"
	"github.com/wavelink/wavelink/internal/engine"
)

// Version is the protocol version string reported by /v4/info.
const Version = "4.0.0"

// Server holds the control plane dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	hub     *Hub
	started time.Time
}

// NewServer creates the HTTP handler with all routes mounted. The hub
// must already be installed as the engine's event sink.
func NewServer(eng *engine.Engine, hub *Hub, password string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		hub:     hub,
		started: time.Now(),
	}
	s.routes(password)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes(password string) {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	limiter := middleware.NewRateLimiter(rate.Limit(20), 40)

	// Unauthenticated operational endpoints.
	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Protocol routes require the password.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(middleware.RequireAuth(password))

		r.Get("/version", s.handleVersion)
		r.Get("/v4/websocket", s.hub.Handle)

		r.Route("/v4", func(r chi.Router) {
			r.Get("/info", s.handleInfo)
			r.Get("/stats", s.handleStats)

			r.Route("/sessions/{sessionId}/players/{guildId}", func(r chi.Router) {
				r.Get("/", s.handleGetPlayer)
				r.Patch("/", s.handleUpdatePlayer)
				r.Delete("/", s.handleDestroyPlayer)
			})
		})
	})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// apiError is the JSON error body.
type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, apiError{Status: status, Message: msg, Path: r.URL.Path})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(Version)) //nolint:errcheck
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		Version:        Version,
		SourceManagers: []string{"http", "segmented"},
		Filters: []string{
			"volume", "equalizer", "karaoke", "timescale", "tremolo",
			"vibrato", "rotation", "distortion", "channelMix", "lowPass",
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Players:      stats.Players,
		FramesSent:   stats.FramesSent,
		FramesNulled: stats.FramesNulled,
		PacketsDrop:  stats.PacketsDrop,
		UptimeMs:     time.Since(s.started).Milliseconds(),
	})
}

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	player := s.engine.Player(guildID)
	if player == nil {
		writeAPIError(w, r, http.StatusNotFound, "player not found")
		return
	}
	writeJSON(w, http.StatusOK, playerState(guildID, player))
}

// handleUpdatePlayer is the workhorse PATCH: voice session setup, play,
// pause, seek, volume, and filters all arrive through it. Fields absent
// from the body leave the player untouched.
func (s *Server) handleUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildId")
	noReplace := r.URL.Query().Get("noReplace") == "true"

	var req PlayerUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	// Voice state first: it may create the player the rest applies to.
	if req.Voice != nil {
		if err := s.applyVoice(guildID, req.Voice); err != nil {
			writeAPIError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	player := s.engine.Player(guildID)
	if player == nil {
		writeAPIError(w, r, http.StatusBadRequest, "no voice session for guild; send voice state first")
		return
	}

	if req.Volume != nil {
		player.SetVolume(*req.Volume)
	}
	if req.Filters != nil {
		player.SetFilters(*req.Filters)
	}

	if req.Track != nil {
		if req.Track.Source == nil {
			player.StopTrack()
		} else {
			src, err := req.Track.Source.ToRemote()
			if err != nil {
				writeAPIError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			opts := engine.PlayOptions{NoReplace: noReplace}
			if req.EndTime != nil {
				opts.EndTimeMs = *req.EndTime
			}
			if req.Paused != nil {
				opts.Paused = *req.Paused
			}
			if err := player.Play(src, opts); err != nil {
				writeAPIError(w, r, http.StatusInternalServerError, err.Error())
				return
			}
		}
	} else if req.Paused != nil {
		player.Pause(*req.Paused)
	}

	if req.Position != nil {
		player.Seek(*req.Position)
	}

	writeJSON(w, http.StatusOK, playerState(guildID, player))
}

// applyVoice establishes (or re-establishes) the guild's voice session.
func (s *Server) applyVoice(guildID string, v *VoiceState) error {
	endpoint, err := v.Endpoint()
	if err != nil {
		return err
	}
	mode, err := v.AEADMode()
	if err != nil {
		return err
	}
	return s.engine.CreateGuild(guildID, endpoint, v.SSRC, v.SecretKey, mode)
}

func (s *Server) handleDestroyPlayer(w http.ResponseWriter, r *http.Request) {
	s.engine.Destroy(chi.URLParam(r, "guildId"))
	w.WriteHeader(http.StatusNoContent)
}

// playerState snapshots a player into its wire representation.
func playerState(guildID string, p *engine.Player) PlayerState {
	state := PlayerState{
		GuildID: guildID,
		Volume:  p.Volume(),
		Paused:  p.Paused(),
		State: VoiceStatus{
			Connected: true,
			PingMs:    p.Ping(),
		},
		Filters: p.Filters(),
	}
	if fp, ok := p.CurrentTrack(); ok {
		state.Track = &TrackInfo{Seq: fp.Seq, PositionMs: max(p.Position(), 0)}
	}
	return state
}
