package config

import (
	"fmt"
	"time"

	"github.com/crowdlab/session-engine/internal/domain/model"
)

// SceneKind tells the stager how a scene behaves.
type SceneKind string

const (
	SceneContent SceneKind = "content" // static page, participant-initiated advance
	SceneGame    SceneKind = "game"    // interactive, routed through a GameManager
	SceneSurvey  SceneKind = "survey"  // form page, participant-initiated advance
	SceneEnd     SceneKind = "end"     // terminal scene
)

// Scene configures one entry of the experiment script. Zero values fall
// back to the process-wide defaults below.
type Scene struct {
	ID    string    `mapstructure:"id"`
	Kind  SceneKind `mapstructure:"kind"`
	Title string    `mapstructure:"title"`

	// Game scenes only.
	GroupSize              int            `mapstructure:"group_size"`
	Mode                   model.GameMode `mapstructure:"mode"`
	FPS                    int            `mapstructure:"fps"`
	Episodes               int            `mapstructure:"episodes"`
	MaxFramesPerEpisode    int            `mapstructure:"max_frames_per_episode"`
	WaitroomTimeout        time.Duration  `mapstructure:"waitroom_timeout"`
	WaitForKnownGroup      bool           `mapstructure:"wait_for_known_group"`
	RecordFrames           bool           `mapstructure:"record_frames"`
	StateBroadcastInterval int            `mapstructure:"state_broadcast_interval"`
	InputDelayFrames       int            `mapstructure:"input_delay_frames"`
}

// Config is the full configuration surface. Each knob tunes exactly one
// parameter of the engine; none change protocol identity.
type Config struct {
	Port         int    `mapstructure:"port"`
	ExperimentID string `mapstructure:"experiment_id"`
	DataDir      string `mapstructure:"data_dir"`
	LogLevel     string `mapstructure:"log_level"`

	// Loading gate.
	NeedsPyodide       bool          `mapstructure:"needs_pyodide"`
	PyodidePackages    []string      `mapstructure:"pyodide_packages"`
	PyodideLoadTimeout time.Duration `mapstructure:"pyodide_load_timeout"`
	EntryScreening     bool          `mapstructure:"entry_screening"`

	// Sessions.
	ReconnectionGrace time.Duration `mapstructure:"reconnection_grace"`

	// Matchmaking.
	WaitroomTimeout time.Duration `mapstructure:"waitroom_timeout"`
	MaxServerRTTMs  int           `mapstructure:"max_server_rtt_ms"` // 0 disables the pre-filter
	MaxP2PRTTMs     int           `mapstructure:"max_p2p_rtt_ms"`    // 0 disables the probe gate
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`

	// Game runtimes.
	//
	// StateBroadcastInterval counts simulator ticks: a render packet is
	// emitted every N ticks (plus episode boundaries), not every N ms.
	StateBroadcastInterval int `mapstructure:"state_broadcast_interval"`
	InputBufferSize        int `mapstructure:"input_buffer_size"`
	InputDelayFrames       int `mapstructure:"input_delay_frames"`

	// Transport.
	MailboxSize  int           `mapstructure:"mailbox_size"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`

	Scenes []Scene `mapstructure:"scenes"`
}

// SceneByID returns the scene entry, if the script contains it.
func (c *Config) SceneByID(id model.SceneID) (Scene, bool) {
	for _, s := range c.Scenes {
		if s.ID == string(id) {
			return s, true
		}
	}
	return Scene{}, false
}

// GameScene resolves per-scene game parameters, applying process defaults.
func (c *Config) GameScene(id model.SceneID) (Scene, bool) {
	s, ok := c.SceneByID(id)
	if !ok || s.Kind != SceneGame {
		return Scene{}, false
	}
	if s.GroupSize <= 0 {
		s.GroupSize = 2
	}
	if s.Mode == "" {
		s.Mode = model.ModeServerAuthoritative
	}
	if s.FPS <= 0 {
		s.FPS = 10
	}
	if s.Episodes <= 0 {
		s.Episodes = 1
	}
	if s.MaxFramesPerEpisode <= 0 {
		s.MaxFramesPerEpisode = 600
	}
	if s.WaitroomTimeout <= 0 {
		s.WaitroomTimeout = c.WaitroomTimeout
	}
	if s.StateBroadcastInterval <= 0 {
		s.StateBroadcastInterval = c.StateBroadcastInterval
	}
	// Every tick, at minimum; the runtime divides by this.
	if s.StateBroadcastInterval < 1 {
		s.StateBroadcastInterval = 1
	}
	if s.InputDelayFrames < 0 {
		s.InputDelayFrames = c.InputDelayFrames
	}
	return s, true
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.ExperimentID == "" {
		return fmt.Errorf("config: experiment_id is required")
	}
	if len(c.Scenes) == 0 {
		return fmt.Errorf("config: experiment script has no scenes")
	}
	seen := make(map[string]struct{}, len(c.Scenes))
	for _, s := range c.Scenes {
		if s.ID == "" {
			return fmt.Errorf("config: scene with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("config: duplicate scene id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		switch s.Kind {
		case SceneContent, SceneGame, SceneSurvey, SceneEnd:
		default:
			return fmt.Errorf("config: scene %q has unknown kind %q", s.ID, s.Kind)
		}
		if s.Kind == SceneGame && s.Mode != "" &&
			s.Mode != model.ModeServerAuthoritative && s.Mode != model.ModeRelay {
			return fmt.Errorf("config: scene %q has unknown mode %q", s.ID, s.Mode)
		}
	}
	if c.MaxP2PRTTMs > 0 && c.ProbeTimeout <= 0 {
		return fmt.Errorf("config: max_p2p_rtt_ms set but probe_timeout is zero")
	}
	return nil
}
