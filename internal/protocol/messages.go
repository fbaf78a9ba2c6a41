// Package protocol defines the client socket wire protocol (spec §6): the
// tagged JSON message kinds exchanged between the WebSocket Hub and a
// connected client. It has no behavior of its own — [internal/hub] and
// [internal/orchestrator] both depend on it so neither depends on the other.
package protocol

// Inbound message kinds, tagged by the "type" field of a client frame.
const (
	InMicAudioData        = "mic-audio-data"
	InMicAudioEnd          = "mic-audio-end"
	InRawAudioData         = "raw-audio-data"
	InTextInput            = "text-input"
	InAISpeakSignal        = "ai-speak-signal"
	InInterruptSignal      = "interrupt-signal"
	InHeartbeat            = "heartbeat"
	InFetchHistoryList     = "fetch-history-list"
	InFetchAndSetHistory   = "fetch-and-set-history"
	InCreateNewHistory     = "create-new-history"
	InDeleteHistory        = "delete-history"
	InFetchConfigs         = "fetch-configs"
	InSwitchConfig         = "switch-config"
	InFetchBackgrounds     = "fetch-backgrounds"
	InRequestInitConfig    = "request-init-config"
	InMCPToolCall          = "mcp-tool-call"
	InAdaptiveVADControl   = "adaptive-vad-control"
)

// Outbound message kinds, tagged by the "type" field of a server frame.
const (
	OutFullText           = "full-text"
	OutSetModelAndConf    = "set-model-and-conf"
	OutControl            = "control"
	OutHistoryList        = "history-list"
	OutHistoryData        = "history-data"
	OutNewHistoryCreated  = "new-history-created"
	OutHistoryDeleted     = "history-deleted"
	OutConfigFiles        = "config-files"
	OutConfigSwitched     = "config-switched"
	OutBackgroundFiles    = "background-files"
	OutHeartbeatAck       = "heartbeat-ack"
	OutMCPToolResponse    = "mcp-tool-response"
	OutWakeWordState      = "wake-word-state"
	OutToolCallStatus     = "tool_call_status"
	OutConversationStart  = "conversation-start"
	OutBackendSynthComplete = "backend-synth-complete"
	OutConversationEnd    = "conversation-end"
	OutSentenceOutput     = "sentence-output"
	OutSideChannel        = "side-channel"
	OutError              = "error"
)

// Control values sent with an [OutControl] message.
const (
	ControlStartMic     = "start-mic"
	ControlInterrupt    = "interrupt"
	ControlMicAudioEnd  = "mic-audio-end"
)

// Inbound is a decoded client frame. Only the fields relevant to the kind
// named by Type are populated.
type Inbound struct {
	Type string `json:"type"`

	Audio  []float32 `json:"audio,omitempty"`
	Text   string    `json:"text,omitempty"`
	Images []string  `json:"images,omitempty"`

	HistoryUID string `json:"history_uid,omitempty"`
	File       string `json:"file,omitempty"`

	ToolName  string `json:"tool_name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Action string  `json:"action,omitempty"`
	Volume float64 `json:"volume,omitempty"`
}

// Outbound is an encoded server frame.
type Outbound struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Control string `json:"control,omitempty"`

	DisplayText string   `json:"display_text,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Audio       []byte   `json:"audio,omitempty"`

	Character string `json:"character,omitempty"`

	ToolName string `json:"tool_name,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`

	Message string `json:"message,omitempty"`

	WakeAction  string `json:"action,omitempty"`
	MatchedWord string `json:"matched_word,omitempty"`
	Language    string `json:"language,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
	WakeCount   int    `json:"wake_count,omitempty"`
	AdvertisementControl string `json:"advertisement_control,omitempty"`

	// Payload carries an [OutSideChannel] message's raw JSON, forwarded from
	// a tool result without entering the LLM context (spec §4.2 step 5).
	Payload string `json:"payload,omitempty"`
}
