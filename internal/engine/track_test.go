package engine

import (
	"testing"
)

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePlaying, "playing"},
		{StateStopping, "stopping"},
		{StatePaused, "paused"},
		{StateStarting, "starting"},
		{StateStopped, "stopped"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestImmediateTransitionsWithoutTape(t *testing.T) {
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, nil, 0)

	tr.Play()
	if tr.State() != StatePlaying {
		t.Fatalf("state after Play = %s, want playing", tr.State())
	}
	tr.Pause()
	if tr.State() != StatePaused {
		t.Fatalf("state after Pause = %s, want paused", tr.State())
	}
	tr.Play()
	if tr.State() != StatePlaying {
		t.Fatalf("state after resume = %s, want playing", tr.State())
	}
}

func TestTapeTransitionsRouteThroughRamps(t *testing.T) {
	tape := newTapeEffect(TapeConfig{DurationMs: 600, Curve: TapeSinusoidal})
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, tape, 0)

	tr.Play()
	if tr.State() != StateStarting {
		t.Fatalf("state after Play = %s, want starting", tr.State())
	}
	// Mixer advances the machine when the ramp finishes.
	tr.state.CompareAndSwap(uint32(StateStarting), uint32(StatePlaying))

	tr.Pause()
	if tr.State() != StateStopping {
		t.Fatalf("state after Pause = %s, want stopping", tr.State())
	}
}

func TestStopIsTerminal(t *testing.T) {
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, nil, 0)
	tr.Play()
	tr.Stop(ReasonStopped)

	if !tr.State().Terminal() {
		t.Fatal("Stop must make the state terminal")
	}
	if tr.StopReason() != ReasonStopped {
		t.Errorf("reason = %s, want stopped", tr.StopReason())
	}

	tr.Play()
	if tr.State() != StateStopped {
		t.Error("Play on a terminal track must be a no-op")
	}
	tr.Pause()
	if tr.State() != StateStopped {
		t.Error("Pause on a terminal track must be a no-op")
	}
}

func TestVolumeClamping(t *testing.T) {
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, nil, 0)

	tr.SetVolume(2.5)
	if got := tr.Volume(); got != 2.5 {
		t.Errorf("volume = %v, want 2.5", got)
	}
	tr.SetVolume(9)
	if got := tr.Volume(); got != 5 {
		t.Errorf("volume = %v, want clamp to 5", got)
	}
	tr.SetVolume(-1)
	if got := tr.Volume(); got != 0 {
		t.Errorf("volume = %v, want clamp to 0", got)
	}
}

func TestSeekUpdatesPositionImmediately(t *testing.T) {
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, nil, 0)
	tr.Seek(15_000)

	if got := tr.PositionMs(); got != 15_000 {
		t.Errorf("position = %dms, want 15000", got)
	}
	select {
	case cmd := <-tr.cmds:
		if cmd.kind != cmdSeek || cmd.ms != 15_000 {
			t.Errorf("command = %+v, want seek to 15000", cmd)
		}
	default:
		t.Error("seek command not enqueued")
	}
}

func TestPositionConversion(t *testing.T) {
	tr := newTrack(Fingerprint{GuildID: "g", Seq: 1}, nil, 0)
	tr.advance(48_000) // one second of sample frames
	if got := tr.PositionMs(); got != 1000 {
		t.Errorf("position = %dms, want 1000", got)
	}
}

func TestEndReasonNextTrackHints(t *testing.T) {
	tests := []struct {
		reason EndReason
		want   bool
	}{
		{ReasonFinished, true},
		{ReasonLoadFailed, true},
		{ReasonStopped, false},
		{ReasonReplaced, false},
		{ReasonCleanup, false},
	}
	for _, tt := range tests {
		if got := tt.reason.MayStartNext(); got != tt.want {
			t.Errorf("%s.MayStartNext() = %v, want %v", tt.reason, got, tt.want)
		}
	}
}
