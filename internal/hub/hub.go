// Package hub implements the WebSocket Hub: the single point of ingress and
// egress for client connections (spec §4.7). It accepts connections, decodes
// the tagged JSON client protocol, routes each message to the right
// per-connection handler, and runs the heartbeat sweeper that disconnects
// clients that have gone silent.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/mcp"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/svccontext"
)

// sweepInterval and staleAfter implement spec §4.7's sweeper: every 30s,
// disconnect any connection whose last heartbeat is older than 60s.
const (
	sweepInterval = 30 * time.Second
	staleAfter    = 60 * time.Second
)

// CharacterLookup resolves a conf_uid to its character config, consulting
// the default config plus any alternates under config_alts_dir (spec §4.8,
// config §6 config_alts_dir).
type CharacterLookup func(confUID string) (config.CharacterConfig, error)

// Deps are the Hub's process-wide collaborators, built once at startup and
// shared across every connection's [svccontext.Context].
type Deps struct {
	System      config.SystemConfig
	LookupChar  CharacterLookup
	SvcDeps     svccontext.Deps
	History     HistoryStore
}

// Hub owns the live connection set and the sweeper. The zero value is not
// usable; build one with [New].
type Hub struct {
	deps Deps

	mu    sync.Mutex
	conns map[string]*connection

	nextID uint64

	stop context.CancelFunc
}

// New builds a Hub and starts its background sweeper. Call [Hub.Shutdown]
// to stop the sweeper and close every live connection.
func New(deps Deps) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		deps:  deps,
		conns: make(map[string]*connection),
		stop:  cancel,
	}
	go h.sweep(ctx)
	return h
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// message loop until the client disconnects or the server shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // client origin enforcement happens at the reverse proxy
	})
	if err != nil {
		slog.Error("hub: accept failed", "error", err)
		return
	}

	c := h.newConnection(ws)
	defer h.drop(c)

	c.run(r.Context())
}

// newConnection registers a fresh connection under a unique id.
func (h *Hub) newConnection(ws *websocket.Conn) *connection {
	h.mu.Lock()
	h.nextID++
	id := connID(h.nextID)
	c := &connection{
		id:            id,
		ws:            ws,
		hub:           h,
		lastHeartbeat: time.Now(),
	}
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) drop(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
}

// sweep runs the heartbeat sweeper until ctx is cancelled.
func (h *Hub) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepOnce()
		}
	}
}

func (h *Hub) sweepOnce() {
	cutoff := time.Now().Add(-staleAfter)

	h.mu.Lock()
	var stale []*connection
	for _, c := range h.conns {
		if c.heartbeatBefore(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		slog.Info("hub: disconnecting stale connection", "conn", c.id)
		c.ws.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
	}
}

// Broadcast sends frame to every live connection, best-effort. Per-socket
// failures are logged and do not stop the broadcast (spec §4.7).
func (h *Hub) Broadcast(ctx context.Context, frame protocol.Outbound) {
	h.mu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(ctx, frame); err != nil {
			slog.Warn("hub: broadcast to connection failed", "conn", c.id, "error", err)
		}
	}
}

// ToolHealth aggregates [mcp.Host.ToolHealth] across every live connection's
// MCP host; internal/app serves it at GET /toolhealth.
func (h *Hub) ToolHealth() []mcp.ToolHealth {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var out []mcp.ToolHealth
	for _, c := range conns {
		if c.svc == nil {
			continue
		}
		out = append(out, c.svc.MCPHost().ToolHealth()...)
	}
	return out
}

// Shutdown stops the sweeper and closes every live connection.
func (h *Hub) Shutdown() {
	h.stop()

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusServiceRestart, "server shutting down")
		c.close()
	}
}

func connID(n uint64) string {
	return "conn-" + strconv.FormatUint(n, 10)
}

// newServiceContext builds the per-connection [svccontext.Context] for the
// given conf_uid, looking up its character config via h.deps.LookupChar.
func (h *Hub) newServiceContext(ctx context.Context, confUID, historyUID string) (*svccontext.Context, error) {
	charCfg, err := h.deps.LookupChar(confUID)
	if err != nil {
		return nil, err
	}
	return svccontext.New(ctx, h.deps.SvcDeps, h.deps.System, charCfg, confUID, historyUID)
}
