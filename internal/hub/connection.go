package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadencevoice/cadenced/internal/orchestrator"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/svccontext"
	"github.com/cadencevoice/cadenced/pkg/provider/vad"
)

// DefaultConfUID is the character config a freshly accepted connection
// binds to before any switch-config message arrives. A [CharacterLookup]
// must resolve it to the deployment's default character.
const DefaultConfUID = "default"

// connection is one client's state, owned entirely by its own run
// goroutine except for the fields explicitly guarded below. Message
// handling runs serially on that one goroutine, satisfying spec §4.7's
// "exactly one handler per connection at a time" without extra locking
// around the Service Context itself.
type connection struct {
	id  string
	ws  *websocket.Conn
	hub *Hub

	writeMu sync.Mutex

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	svc        *svccontext.Context
	convUID    string
	historyUID string

	micBuf []int16

	vadSession vad.SessionHandle
	rawBuf     []byte
}

func (c *connection) run(ctx context.Context) {
	svc, err := c.hub.newServiceContext(ctx, DefaultConfUID, "")
	if err != nil {
		slog.Error("hub: initial service context build failed", "conn", c.id, "error", err)
		c.ws.Close(websocket.StatusInternalError, "config load failed")
		return
	}
	c.svc = svc
	c.convUID = DefaultConfUID

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			slog.Warn("hub: malformed client frame", "conn", c.id, "error", err)
			continue
		}
		c.dispatch(ctx, &in)
	}
}

func (c *connection) close() {
	if c.vadSession != nil {
		_ = c.vadSession.Close()
	}
	if c.svc != nil {
		_ = c.svc.Close()
	}
}

func (c *connection) heartbeatBefore(cutoff time.Time) bool {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.lastHeartbeat.Before(cutoff)
}

func (c *connection) touchHeartbeat() {
	c.hbMu.Lock()
	c.lastHeartbeat = time.Now()
	c.hbMu.Unlock()
}

func (c *connection) send(ctx context.Context, frame protocol.Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *connection) sendErr(ctx context.Context, err error) {
	_ = c.send(ctx, protocol.Outbound{Type: protocol.OutError, Message: err.Error()})
}

// dispatch routes one decoded client frame per spec §4.7's message kinds.
func (c *connection) dispatch(ctx context.Context, in *protocol.Inbound) {
	switch in.Type {
	case protocol.InMicAudioData:
		c.micBuf = append(c.micBuf, floatsToPCM16(in.Audio)...)

	case protocol.InMicAudioEnd:
		pcm := c.micBuf
		c.micBuf = nil
		c.triggerTurn(ctx, orchestrator.Input{PCM: pcm})

	case protocol.InRawAudioData:
		c.handleRawAudio(ctx, floatsToPCM16(in.Audio))

	case protocol.InTextInput:
		c.triggerTurn(ctx, orchestrator.Input{Text: in.Text, Images: toImages(in.Images)})

	case protocol.InAISpeakSignal:
		c.triggerTurn(ctx, orchestrator.Input{ProactiveSpeak: in.Text})

	case protocol.InInterruptSignal:
		c.svc.Orchestrator().Cancel(in.Text)

	case protocol.InHeartbeat:
		c.touchHeartbeat()
		_ = c.send(ctx, protocol.Outbound{Type: protocol.OutHeartbeatAck})

	case protocol.InMCPToolCall:
		c.handleToolCall(ctx, in)

	case protocol.InAdaptiveVADControl:
		c.handleAdaptiveVAD(ctx, in)

	case protocol.InFetchHistoryList:
		c.handleFetchHistoryList(ctx, in.Text)
	case protocol.InFetchAndSetHistory:
		c.handleFetchAndSetHistory(ctx, in)
	case protocol.InCreateNewHistory:
		c.handleCreateHistory(ctx)
	case protocol.InDeleteHistory:
		c.handleDeleteHistory(ctx, in)

	case protocol.InSwitchConfig:
		c.handleSwitchConfig(ctx, in)
	case protocol.InRequestInitConfig:
		_ = c.send(ctx, protocol.Outbound{
			Type:      protocol.OutSetModelAndConf,
			Character: c.svc.CharacterConfig().ConfUID,
			Control:   c.svc.CharacterConfig().Live2DModel,
		})

	case protocol.InFetchConfigs, protocol.InFetchBackgrounds:
		// Config and background catalogues are served by an external
		// collaborator (the static asset/config file server), not the Hub.
		c.sendErr(ctx, errors.New("hub: fetch-configs/fetch-backgrounds are served externally, not by the Hub"))

	default:
		slog.Warn("hub: unknown message type", "conn", c.id, "type", in.Type)
	}
}

func (c *connection) triggerTurn(ctx context.Context, in orchestrator.Input) {
	c.svc.Orchestrator().Trigger(ctx, func(frame protocol.Outbound) error {
		return c.send(ctx, frame)
	}, in)
}

func (c *connection) handleToolCall(ctx context.Context, in *protocol.Inbound) {
	host := c.svc.MCPHost()
	if host == nil {
		c.sendErr(ctx, errors.New("hub: no MCP host configured for this character"))
		return
	}
	result, err := host.ExecuteTool(ctx, in.ToolName, in.Arguments)
	if err != nil {
		c.sendErr(ctx, err)
		return
	}
	out := protocol.Outbound{Type: protocol.OutMCPToolResponse, ToolName: in.ToolName, Result: result.Content}
	if result.IsError {
		out.Error = result.Content
	}
	_ = c.send(ctx, out)
}

// handleRawAudio feeds raw-audio-data through the connection's VAD session,
// lazily created from the current character's VAD engine, and triggers a
// turn once a speech segment ends.
func (c *connection) handleRawAudio(ctx context.Context, pcm []int16) {
	engine := c.svc.VADEngine()
	if engine == nil {
		return
	}
	if c.vadSession == nil {
		session, err := engine.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5, SilenceThreshold: 0.35})
		if err != nil {
			slog.Warn("hub: vad session create failed", "conn", c.id, "error", err)
			return
		}
		c.vadSession = session
	}

	// Each raw-audio-data message is assumed to already be chunked by the
	// client to the session's configured frame size.
	frame := pcm16ToBytes(pcm)
	c.rawBuf = append(c.rawBuf, frame...)
	ev, err := c.vadSession.ProcessFrame(frame)
	if err != nil {
		slog.Warn("hub: vad process frame failed", "conn", c.id, "error", err)
		return
	}

	if ev.Type == vad.VADSpeechEnd {
		segment := bytesToPCM16(c.rawBuf)
		c.rawBuf = nil
		c.triggerTurn(ctx, orchestrator.Input{PCM: segment})
	}
}

func (c *connection) handleAdaptiveVAD(ctx context.Context, in *protocol.Inbound) {
	policy := c.svc.AdaptiveVAD()
	engine := c.svc.VADEngine()
	if policy == nil || engine == nil {
		return
	}
	var cfg vad.Config
	switch in.Action {
	case "start":
		cfg = policy.Start(in.Volume)
	case "stop":
		cfg = policy.Stop()
	default:
		return
	}
	// Replace the live session so the new thresholds take effect.
	session, err := engine.NewSession(cfg)
	if err != nil {
		slog.Warn("hub: vad session reconfigure failed", "conn", c.id, "error", err)
		return
	}
	if c.vadSession != nil {
		_ = c.vadSession.Close()
	}
	c.vadSession = session
}

// semanticHistoryListTopK bounds a similarity-ranked fetch-history-list reply.
const semanticHistoryListTopK = 20

// handleFetchHistoryList lists the connection's saved histories. When query
// is non-empty and the configured store implements [SemanticHistoryStore],
// results are ranked by embedding similarity to query instead of recency;
// if that ranking fails, the recency-ordered List is returned instead.
func (c *connection) handleFetchHistoryList(ctx context.Context, query string) {
	if c.hub.deps.History == nil {
		c.sendErr(ctx, errors.New("hub: history store not configured"))
		return
	}

	var (
		summaries []HistorySummary
		err       error
	)
	ranked := false
	if ranker, ok := c.hub.deps.History.(SemanticHistoryStore); ok && query != "" {
		summaries, err = ranker.ListBySimilarity(ctx, c.convUID, query, semanticHistoryListTopK)
		if err != nil {
			slog.Warn("hub: similarity ranking failed; listing by recency", "conn", c.id, "error", err)
		}
		ranked = err == nil
	}
	if !ranked {
		summaries, err = c.hub.deps.History.List(ctx, c.convUID)
	}
	if err != nil {
		c.sendErr(ctx, err)
		return
	}
	payload, _ := json.Marshal(summaries)
	_ = c.send(ctx, protocol.Outbound{Type: protocol.OutHistoryList, Payload: string(payload)})
}

func (c *connection) handleFetchAndSetHistory(ctx context.Context, in *protocol.Inbound) {
	if c.hub.deps.History == nil {
		c.sendErr(ctx, errors.New("hub: history store not configured"))
		return
	}
	entries, err := c.hub.deps.History.Fetch(ctx, c.convUID, in.HistoryUID)
	if err != nil {
		c.sendErr(ctx, err)
		return
	}
	c.historyUID = in.HistoryUID
	payload, _ := json.Marshal(entries)
	_ = c.send(ctx, protocol.Outbound{Type: protocol.OutHistoryData, Payload: string(payload)})
}

func (c *connection) handleCreateHistory(ctx context.Context) {
	if c.hub.deps.History == nil {
		c.sendErr(ctx, errors.New("hub: history store not configured"))
		return
	}
	historyUID, err := c.hub.deps.History.Create(ctx, c.convUID)
	if err != nil {
		c.sendErr(ctx, err)
		return
	}
	c.historyUID = historyUID
	_ = c.send(ctx, protocol.Outbound{Type: protocol.OutNewHistoryCreated, Payload: historyUID})
}

func (c *connection) handleDeleteHistory(ctx context.Context, in *protocol.Inbound) {
	if c.hub.deps.History == nil {
		c.sendErr(ctx, errors.New("hub: history store not configured"))
		return
	}
	if err := c.hub.deps.History.Delete(ctx, c.convUID, in.HistoryUID); err != nil {
		c.sendErr(ctx, err)
		return
	}
	_ = c.send(ctx, protocol.Outbound{Type: protocol.OutHistoryDeleted, Payload: in.HistoryUID})
}

func (c *connection) handleSwitchConfig(ctx context.Context, in *protocol.Inbound) {
	newCfg, err := c.hub.deps.LookupChar(in.File)
	if err != nil {
		c.sendErr(ctx, err)
		return
	}
	err = c.svc.Switch(ctx, newCfg, c.convUID, c.historyUID, func(frame protocol.Outbound) error {
		return c.send(ctx, frame)
	})
	if err != nil {
		c.sendErr(ctx, err)
	}
}

func floatsToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

func pcm16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func bytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

func toImages(urls []string) []orchestrator.Image {
	if len(urls) == 0 {
		return nil
	}
	images := make([]orchestrator.Image, len(urls))
	for i, u := range urls {
		images[i] = orchestrator.Image{URL: u}
	}
	return images
}
