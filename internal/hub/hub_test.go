package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/hub"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/svccontext"
	"github.com/cadencevoice/cadenced/pkg/provider/llm"
	llmmock "github.com/cadencevoice/cadenced/pkg/provider/llm/mock"
	"github.com/cadencevoice/cadenced/pkg/provider/stt"
	sttmock "github.com/cadencevoice/cadenced/pkg/provider/stt/mock"
	"github.com/cadencevoice/cadenced/pkg/provider/tts"
	ttsmock "github.com/cadencevoice/cadenced/pkg/provider/tts/mock"
)

func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterASR("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	return reg
}

func testCharacter(confUID string) config.CharacterConfig {
	return config.CharacterConfig{
		ConfUID:       confUID,
		Live2DModel:   "shizuku",
		PersonaPrompt: "A terse librarian.",
		ASR:           config.ASREntry{ProviderEntry: config.ProviderEntry{Provider: "mock"}},
		TTS:           config.TTSEntry{ProviderEntry: config.ProviderEntry{Provider: "mock"}},
		Agent: config.AgentConfig{
			LLM: config.LLMEntry{ProviderEntry: config.ProviderEntry{Provider: "mock", Model: "mock-model"}},
		},
	}
}

func newTestServer(t *testing.T, deps hub.Deps) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(deps)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	ws, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out protocol.Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestHub_HeartbeatRoundTrip(t *testing.T) {
	deps := hub.Deps{
		LookupChar: func(confUID string) (config.CharacterConfig, error) { return testCharacter(confUID), nil },
		SvcDeps:    svccontext.Deps{Registry: testRegistry()},
	}
	srv, _ := newTestServer(t, deps)
	ws := dial(t, srv)

	send(t, ws, protocol.Inbound{Type: protocol.InHeartbeat})

	out := recv(t, ws)
	if out.Type != protocol.OutHeartbeatAck {
		t.Errorf("got %q, want %q", out.Type, protocol.OutHeartbeatAck)
	}
}

func TestHub_FetchHistoryListWithoutStoreErrors(t *testing.T) {
	deps := hub.Deps{
		LookupChar: func(confUID string) (config.CharacterConfig, error) { return testCharacter(confUID), nil },
		SvcDeps:    svccontext.Deps{Registry: testRegistry()},
		// History intentionally left nil.
	}
	srv, _ := newTestServer(t, deps)
	ws := dial(t, srv)

	send(t, ws, protocol.Inbound{Type: protocol.InFetchHistoryList})

	out := recv(t, ws)
	if out.Type != protocol.OutError {
		t.Errorf("got %q, want %q", out.Type, protocol.OutError)
	}
}

func TestHub_RequestInitConfigReportsCurrentCharacter(t *testing.T) {
	deps := hub.Deps{
		LookupChar: func(confUID string) (config.CharacterConfig, error) { return testCharacter(confUID), nil },
		SvcDeps:    svccontext.Deps{Registry: testRegistry()},
	}
	srv, _ := newTestServer(t, deps)
	ws := dial(t, srv)

	send(t, ws, protocol.Inbound{Type: protocol.InRequestInitConfig})

	out := recv(t, ws)
	if out.Type != protocol.OutSetModelAndConf {
		t.Errorf("got %q, want %q", out.Type, protocol.OutSetModelAndConf)
	}
	if out.Character != hub.DefaultConfUID {
		t.Errorf("Character = %q, want %q", out.Character, hub.DefaultConfUID)
	}
}

func TestHub_LookupCharacterErrorClosesConnection(t *testing.T) {
	deps := hub.Deps{
		LookupChar: func(confUID string) (config.CharacterConfig, error) {
			return config.CharacterConfig{}, context.DeadlineExceeded
		},
		SvcDeps: svccontext.Deps{Registry: testRegistry()},
	}
	srv, _ := newTestServer(t, deps)
	ws := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed when the initial service context build fails")
	}
}

func TestHub_Shutdown_ClosesLiveConnections(t *testing.T) {
	deps := hub.Deps{
		LookupChar: func(confUID string) (config.CharacterConfig, error) { return testCharacter(confUID), nil },
		SvcDeps:    svccontext.Deps{Registry: testRegistry()},
	}
	h := hub.New(deps)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv)

	// Synchronize with the server accepting the connection before shutting
	// down, by round-tripping a heartbeat first.
	send(t, ws, protocol.Inbound{Type: protocol.InHeartbeat})
	recv(t, ws)

	h.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed after Shutdown")
	}
}
