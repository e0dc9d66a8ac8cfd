// Package api is the control plane: the REST surface external bots
// drive players through, and the websocket that carries engine events
// back out.
package api

import (
	"encoding/base64"
	"fmt"
	"net"

	"github.com/wavelink/wavelink/internal/filter"
	"github.com/wavelink/wavelink/internal/remote"
	"github.com/wavelink/wavelink/internal/rtp"
)

// VoiceState carries the pre-negotiated voice session for a guild: the
// voice gateway handshake happens outside this server, which receives
// only its outcome.
type VoiceState struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	SSRC      uint32 `json:"ssrc"`
	SecretKey []byte `json:"secretKey"`
	Mode      string `json:"mode"`
}

// Endpoint resolves the UDP address of the voice server.
func (v *VoiceState) Endpoint() (*net.UDPAddr, error) {
	ip := net.ParseIP(v.Address)
	if ip == nil {
		addrs, err := net.LookupIP(v.Address)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("resolving voice endpoint %q: %w", v.Address, err)
		}
		ip = addrs[0]
	}
	return &net.UDPAddr{IP: ip, Port: v.Port}, nil
}

// AEADMode validates and converts the wire mode name.
func (v *VoiceState) AEADMode() (rtp.Mode, error) {
	switch rtp.Mode(v.Mode) {
	case rtp.ModeAESGCM, rtp.ModeXSalsa20:
		return rtp.Mode(v.Mode), nil
	default:
		return "", fmt.Errorf("unknown encryption mode %q", v.Mode)
	}
}

// SegmentSpec is one segment of a segmented source, with optional
// base64-encoded AES-128-CBC key material.
type SegmentSpec struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"`
	IV  string `json:"iv,omitempty"`
}

// TrackSource is a resolved source as the external resolver hands it
// over.
type TrackSource struct {
	URL              string        `json:"url,omitempty"`
	ContainerHint    string        `json:"containerHint,omitempty"`
	ContentType      string        `json:"contentType,omitempty"`
	Length           int64         `json:"length,omitempty"`
	AllowPassthrough bool          `json:"allowPassthrough,omitempty"`
	Segments         []SegmentSpec `json:"segments,omitempty"`
}

// ToRemote converts the wire source into the engine's source type.
func (s *TrackSource) ToRemote() (*remote.Source, error) {
	src := &remote.Source{
		URL:              s.URL,
		Length:           s.Length,
		ContentType:      s.ContentType,
		ContainerHint:    s.ContainerHint,
		AllowPassthrough: s.AllowPassthrough,
	}
	if src.Length == 0 {
		src.Length = -1
	}
	for i, seg := range s.Segments {
		rs := remote.Segment{URL: seg.URL}
		if seg.Key != "" {
			key, err := base64.StdEncoding.DecodeString(seg.Key)
			if err != nil {
				return nil, fmt.Errorf("segment %d key: %w", i, err)
			}
			iv, err := base64.StdEncoding.DecodeString(seg.IV)
			if err != nil {
				return nil, fmt.Errorf("segment %d iv: %w", i, err)
			}
			rs.Key, rs.IV = key, iv
		}
		src.Segments = append(src.Segments, rs)
	}
	return src, nil
}

// TrackRequest selects the track slot in a player update. A present
// request with a nil Source stops the current track.
type TrackRequest struct {
	Source *TrackSource `json:"source"`
}

// PlayerUpdateRequest is the PATCH body for a player. Absent (nil)
// fields leave the corresponding player property untouched.
type PlayerUpdateRequest struct {
	Track    *TrackRequest  `json:"track,omitempty"`
	Paused   *bool          `json:"paused,omitempty"`
	Position *int64         `json:"position,omitempty"`
	EndTime  *int64         `json:"endTime,omitempty"`
	Volume   *float64       `json:"volume,omitempty"`
	Filters  *filter.Config `json:"filters,omitempty"`
	Voice    *VoiceState    `json:"voice,omitempty"`
}

// PlayerState is the GET/PATCH response body.
type PlayerState struct {
	GuildID    string        `json:"guildId"`
	Track      *TrackInfo    `json:"track"`
	Volume     float64       `json:"volume"`
	Paused     bool          `json:"paused"`
	State      VoiceStatus   `json:"state"`
	Filters    filter.Config `json:"filters"`
}

// TrackInfo identifies the playing track.
type TrackInfo struct {
	Seq        uint64 `json:"seq"`
	PositionMs int64  `json:"positionMs"`
}

// VoiceStatus reports connection health.
type VoiceStatus struct {
	Connected bool  `json:"connected"`
	PingMs    int64 `json:"ping"`
}

// InfoResponse answers GET /v4/info.
type InfoResponse struct {
	Version        string   `json:"version"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
}

// StatsResponse answers GET /v4/stats.
type StatsResponse struct {
	Players      int    `json:"players"`
	FramesSent   uint64 `json:"framesSent"`
	FramesNulled uint64 `json:"framesNulled"`
	PacketsDrop  uint64 `json:"packetsDropped"`
	UptimeMs     int64  `json:"uptime"`
}
