package model

// Wire event names, client <-> server. One JSON envelope per message.

// Server -> client.
const (
	EvExperimentConfig = "experiment_config"
	EvActivateScene    = "activate_scene"
	EvWaiting          = "waiting"
	EvWaitroomTimeout  = "waitroom_timeout"
	EvStartGame        = "start_game"
	EvStateBroadcast   = "state_broadcast"
	EvPartnerAction    = "partner_action"
	EvEpisodeReset     = "episode_reset"
	EvEndGame          = "end_game"
	EvExclusionMessage = "exclusion_message"
	EvLoadingFailed    = "loading_failed"
	EvProbeRequest     = "p2p_probe_request"
)

// Client -> server.
const (
	EvRegisterSubject        = "register_subject"
	EvScreeningResult        = "screening_result"
	EvRuntimeLoadingStart    = "runtime_loading_start"
	EvRuntimeLoadingComplete = "runtime_loading_complete"
	EvAdvanceScene           = "advance_scene"
	EvPlayerAction           = "player_action"
	EvStateHash              = "state_hash"
	EvProbeResult            = "p2p_probe_result"
	EvLeaveGame              = "leave_game"
)

type RegisterSubjectPayload struct {
	SubjectID SubjectID `json:"subject_id"`
}

type PyodideConfig struct {
	NeedsPyodide bool     `json:"needs_pyodide"`
	Packages     []string `json:"packages,omitempty"`
	LoadTimeoutS int      `json:"pyodide_load_timeout_s"`
}

type ExperimentConfigPayload struct {
	ExperimentID   string        `json:"experiment_id"`
	PyodideConfig  PyodideConfig `json:"pyodide_config"`
	EntryScreening bool          `json:"entry_screening"`
}

type ScreeningResultPayload struct {
	Pass    bool   `json:"pass"`
	Message string `json:"message,omitempty"`
}

type RuntimeLoadingCompletePayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type ActivateScenePayload struct {
	SceneID  SceneID        `json:"scene_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type WaitingPayload struct {
	SceneID   SceneID `json:"scene_id"`
	QueueSize int     `json:"queue_size"`
}

type WaitroomTimeoutPayload struct {
	SceneID  SceneID `json:"scene_id"`
	Redirect string  `json:"redirect,omitempty"`
}

type StartGamePayload struct {
	GameID    GameID   `json:"game_id"`
	SeatIndex int      `json:"seat_index"`
	Mode      GameMode `json:"mode"`
	FPS       int      `json:"fps"`
	GroupKey  GroupKey `json:"group_key"`
}

// StateObject is one renderable entity in a broadcast packet. Non-permanent
// objects absent from a packet must be treated as removed by the client.
type StateObject struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	X         int            `json:"x"`
	Y         int            `json:"y"`
	Permanent bool           `json:"permanent,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

type StateBroadcastPayload struct {
	GameID  GameID        `json:"game_id"`
	Frame   int64         `json:"frame"`
	Objects []StateObject `json:"game_state_objects"`
	Removed []string      `json:"removed"`
	Episode int           `json:"episode"`
}

type PlayerActionPayload struct {
	GameID     GameID `json:"game_id"`
	Action     int    `json:"action"`
	InputFrame int64  `json:"input_frame"`
}

type PartnerActionPayload struct {
	GameID     GameID `json:"game_id"`
	SeatIndex  int    `json:"seat_index"`
	Action     int    `json:"action"`
	InputFrame int64  `json:"input_frame"`
}

type StateHashPayload struct {
	GameID GameID `json:"game_id"`
	Frame  int64  `json:"frame"`
	Hash   string `json:"hash"`
}

type EpisodeResetPayload struct {
	GameID  GameID `json:"game_id"`
	Episode int    `json:"episode"`
}

type EndGamePayload struct {
	GameID GameID    `json:"game_id"`
	Reason EndReason `json:"reason"`
}

type ExclusionMessagePayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

type LoadingFailedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type ProbeRequestPayload struct {
	ProbeID string    `json:"probe_id"`
	PeerID  SubjectID `json:"peer_id"`
	// Initiator opens the data channel; the other side answers.
	Initiator bool `json:"initiator"`
}

type ProbeResultPayload struct {
	ProbeID   string `json:"probe_id"`
	RTTMillis int    `json:"rtt_ms"`
	Failed    bool   `json:"failed,omitempty"`
}

type LeaveGamePayload struct {
	GameID GameID `json:"game_id"`
}
