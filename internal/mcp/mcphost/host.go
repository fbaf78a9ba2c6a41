// Package mcphost provides a concrete implementation of the [mcp.Host] interface.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), maintains a
// concurrent-safe in-memory tool registry, and calibrates tool performance
// through measured rolling-window percentiles, surfaced as [mcp.ToolHealth]
// rather than used to gate which tools are available.
//
// Typical usage:
//
//	h := mcphost.New()
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "dice",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition:  types.ToolDefinition{Name: "roll_d20", ...},
//	    Handler:     rollD20,
//	    DeclaredP50: 1,
//	})
//
//	// Calibrate latencies (optional but recommended).
//	h.Calibrate(ctx)
//
//	// Get every registered tool.
//	tools := h.AvailableTools()
//
//	// Execute a tool.
//	result, err := h.ExecuteTool(ctx, "roll_d20", "{}")
//
//	// Shut down when done.
//	h.Close()
package mcphost

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cadencevoice/cadenced/internal/mcp"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// defaultWindowSize is the default capacity of each tool's rolling window.
const defaultWindowSize = 100

// spawnTimeout bounds how long a single session spawn (subprocess exec plus
// the initialize handshake) is allowed to take before the attempt is
// abandoned with a typed error and no zombie process left behind.
const spawnTimeout = 10 * time.Second

// closeTimeout bounds how long Close waits for each session to shut down.
const closeTimeout = 2 * time.Second

// listRetryBackoff is the progressive backoff schedule for list_tools
// retries on cache miss. Each entry's index is also a respawn attempt: a
// listing failure evicts the session, so every retry reconnects first.
var listRetryBackoff = []time.Duration{0, 250 * time.Millisecond, 750 * time.Millisecond}

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def           types.ToolDefinition
	serverName    string
	declaredP50Ms int64
	declaredMaxMs int64
	measuredP50Ms int64
	measuredP99Ms int64
	callCount     int64
	errorCount    int64
	tier          types.BudgetTier
	degraded      bool // true if health-demoted to a higher tier
	measurements  *rollingWindow

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external MCP server, plus the
// config needed to respawn it after a transport-loss eviction.
type serverConn struct {
	session *mcpsdk.ClientSession
	cfg     mcp.ServerConfig
}

// Host is a concrete implementation of [mcp.Host].
//
// It manages connections to one or more MCP servers (external via stdio /
// streamable-HTTP, or internal Go functions) and tracks per-tool health
// (latency tier, error rate) via rolling latency windows, reported through
// [Host.ToolHealth] rather than used to restrict tool availability.
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	enforcer BudgetEnforcer
}

// Compile-time check: Host must implement mcp.Host.
var _ mcp.Host = (*Host)(nil)

// New creates and returns a ready-to-use Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "cadenced-mcphost", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
}

// RegisterServer is the session's first reference: it spawns the server
// (lazily, only now, never at Host construction), performs the initialize
// handshake, and memoizes its tool catalogue. If a server with the same Name
// is already registered, the old connection is closed and replaced.
//
// For [mcp.TransportStdio] transport: cfg.Command is split on spaces into
// executable + args; cfg.Env is passed as additional environment variables.
//
// For [mcp.TransportStreamableHTTP] transport: cfg.URL is the endpoint address.
//
// The spawn is bounded by [spawnTimeout]; on timeout the attempt fails with a
// typed error and leaves no zombie session. Tool listing is retried up to
// len([listRetryBackoff]) times with progressive backoff; each failed
// attempt respawns the session before the next try. If every attempt fails,
// RegisterServer returns an error and no session or tools are registered.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, discoveredTools, err := h.spawnAndList(ctx, cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Close the old connection if it exists.
	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		// Remove tools that belonged to this server.
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session, cfg: cfg}

	// Register each discovered tool.
	for _, mcpTool := range discoveredTools {
		entry := buildToolEntry(mcpTool, cfg.Name)
		h.tools[mcpTool.Name] = entry
	}

	return nil
}

// spawnSession establishes a single transport connection and sends the
// initialize handshake, bounded by [spawnTimeout]. On failure it leaves no
// subprocess behind: [mcpsdk.Client.Connect] tears down a failed transport
// itself, and the bounded context ensures a hung spawn is abandoned rather
// than leaked.
func (h *Host) spawnSession(ctx context.Context, cfg mcp.ServerConfig) (*mcpsdk.ClientSession, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcp host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(spawnCtx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	// Connect performs the initialize handshake as part of the MCP protocol
	// handshake; the session is only returned once that handshake succeeds.
	session, err := h.client.Connect(spawnCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp host: failed to spawn server %q: %w", cfg.Name, err)
	}
	return session, nil
}

// listServerTools fetches the tool catalogue for an already-connected session.
func listServerTools(ctx context.Context, session *mcpsdk.ClientSession) ([]mcpsdk.Tool, error) {
	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		discovered = append(discovered, *tool)
	}
	return discovered, nil
}

// spawnAndList spawns a server and lists its tools, retrying the whole
// sequence per [listRetryBackoff] on listing failure (a listing failure
// evicts the just-spawned session, so the next attempt respawns from
// scratch). Returns the last error if every attempt is exhausted.
func (h *Host) spawnAndList(ctx context.Context, cfg mcp.ServerConfig) (*mcpsdk.ClientSession, []mcpsdk.Tool, error) {
	var lastErr error
	for i, wait := range listRetryBackoff {
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		session, err := h.spawnSession(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}

		tools, err := listServerTools(ctx, session)
		if err != nil {
			_ = session.Close()
			lastErr = fmt.Errorf("mcp host: failed to list tools for server %q (attempt %d): %w", cfg.Name, i+1, err)
			continue
		}

		return session, tools, nil
	}
	return nil, nil, lastErr
}

// buildToolEntry converts an official SDK Tool into an internal toolEntry.
func buildToolEntry(t mcpsdk.Tool, serverName string) toolEntry {
	p50, maxMs := extractLatencyHints(t)

	def := types.ToolDefinition{
		Name:                t.Name,
		Description:         t.Description,
		Parameters:          schemaToMap(t.InputSchema),
		EstimatedDurationMs: int(p50),
		MaxDurationMs:       int(maxMs),
	}

	return toolEntry{
		def:           def,
		serverName:    serverName,
		declaredP50Ms: p50,
		declaredMaxMs: maxMs,
		tier:          tierFromDeclaredP50(p50),
		measurements:  newRollingWindow(defaultWindowSize),
	}
}

// extractLatencyHints tries to read estimated_duration_ms and max_duration_ms
// from a tool's metadata, InputSchema properties, or description.
func extractLatencyHints(t mcpsdk.Tool) (p50Ms, maxMs int64) {
	// Try InputSchema properties (if it's a map[string]any after JSON round-trip).
	if schema := schemaToMap(t.InputSchema); schema != nil {
		if props, ok := schema["properties"].(map[string]any); ok {
			if meta, ok := props["_metadata"].(map[string]any); ok {
				p50Ms = extractInt64(meta, "estimated_duration_ms")
				maxMs = extractInt64(meta, "max_duration_ms")
			}
		}
	}

	// Try description-embedded JSON.
	if p50Ms == 0 {
		p50Ms, maxMs = parseLatencyFromDescription(t.Description)
	}

	return p50Ms, maxMs
}

// extractInt64 retrieves an integer value from a map by key.
func extractInt64(m map[string]any, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// parseLatencyFromDescription tries to unmarshal a JSON blob embedded in a
// tool description to extract latency hints.
func parseLatencyFromDescription(desc string) (int64, int64) {
	start := strings.Index(desc, "{")
	end := strings.LastIndex(desc, "}")
	if start < 0 || end < start {
		return 0, 0
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(desc[start:end+1]), &m); err != nil {
		return 0, 0
	}
	return extractInt64(m, "estimated_duration_ms"), extractInt64(m, "max_duration_ms")
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// AvailableTools returns every registered tool, sorted by estimated latency
// ascending (fastest first). Tier no longer gates visibility (see the
// package doc); use [Host.ToolHealth] to inspect each tool's assigned tier.
func (h *Host) AvailableTools() []types.ToolDefinition {
	h.mu.RLock()
	entries := make([]toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	return h.enforcer.FilterTools(entries)
}

// ToolHealth returns the measured performance of every registered tool:
// latency percentiles, call and error counts, and the tier derived from
// them. Until a tool has been executed or probed by [Host.Calibrate], its
// measured fields are zero and its tier reflects only its declared
// EstimatedDurationMs.
func (h *Host) ToolHealth() []mcp.ToolHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for _, t := range h.tools {
		var errRate float64
		if t.measurements != nil {
			errRate = t.measurements.ErrorRate()
		}
		out = append(out, mcp.ToolHealth{
			Name:          t.def.Name,
			MeasuredP50Ms: t.measuredP50Ms,
			MeasuredP99Ms: t.measuredP99Ms,
			CallCount:     int(t.callCount),
			ErrorRate:     errRate,
			Tier:          t.tier,
		})
	}
	slices.SortFunc(out, func(a, b mcp.ToolHealth) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ExecuteTool calls the named tool with JSON-encoded args and returns the
// result. name must exactly match a [types.ToolDefinition.Name] returned by
// [Host.AvailableTools].
//
// args must be a valid JSON object string. An empty object ("{}") is valid for
// parameter-less tools.
//
// A non-nil *ToolResult is returned on success even when [mcp.ToolResult.IsError]
// is true (application-level error). A Go error is returned only on transport
// or protocol failure.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}

	start := time.Now()

	var result *mcp.ToolResult
	var execErr error

	if entry.builtinFn != nil {
		result, execErr = h.executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeMCPTool(ctx, entry, args)
	}

	durationMs := time.Since(start).Milliseconds()
	isError := execErr != nil || (result != nil && result.IsError)

	// Record the measurement and update tier.
	h.recordAndUpdateTier(name, durationMs, isError)

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMs = durationMs
	return result, nil
}

// executeBuiltin calls the in-process handler for a builtin tool.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &mcp.ToolResult{Content: output}, nil
}

// executeMCPTool routes the call to the appropriate server session. On a
// transport-level failure, the session is evicted and the call site gets
// exactly one reconnect attempt before giving up, per spec §4.3.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	result, err := callTool(ctx, conn.session, entry.def.Name, args)
	if err == nil {
		return result, nil
	}

	// Transport loss: evict the dead session (and its now-stale tool cache)
	// and retry exactly once against a freshly respawned one.
	h.evictServer(entry.serverName)

	newSession, discoveredTools, spawnErr := h.spawnAndList(ctx, conn.cfg)
	if spawnErr != nil {
		return nil, fmt.Errorf("mcp host: tool %q lost its connection and reconnect failed: %w", entry.def.Name, spawnErr)
	}

	h.mu.Lock()
	h.servers[entry.serverName] = serverConn{session: newSession, cfg: conn.cfg}
	for _, mcpTool := range discoveredTools {
		h.tools[mcpTool.Name] = buildToolEntry(mcpTool, entry.serverName)
	}
	h.mu.Unlock()

	result, err = callTool(ctx, newSession, entry.def.Name, args)
	if err != nil {
		return nil, fmt.Errorf("mcp host: tool %q failed after reconnect: %w", entry.def.Name, err)
	}
	return result, nil
}

// evictServer removes a server's live session from the registry along with
// every tool entry that belonged to it, mirroring the removal loop in
// [Host.RegisterServer]. Clearing both atomically keeps [Host.AvailableTools]
// from reporting tools on a server with no live session to execute them
// against while a reconnect is pending.
func (h *Host) evictServer(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.servers[name]; ok {
		_ = conn.session.Close()
		delete(h.servers, name)
	}
	for toolName, t := range h.tools {
		if t.serverName == name {
			delete(h.tools, toolName)
		}
	}
}

// callTool invokes a single named tool against an already-connected session
// and concatenates its text content into a [mcp.ToolResult]. A non-nil error
// here means transport or protocol failure, never an application-level
// tool error (those arrive as callResult.IsError with err == nil).
func callTool(ctx context.Context, session *mcpsdk.ClientSession, name, args string) (*mcp.ToolResult, error) {
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", name, err)
		}
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call to tool %q failed: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &mcp.ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// recordAndUpdateTier records a measurement and re-evaluates the tool's tier.
func (h *Host) recordAndUpdateTier(name string, durationMs int64, isError bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.tools[name]
	if !ok {
		return
	}

	entry.measurements.Record(durationMs, isError)
	entry.callCount++
	if isError {
		entry.errorCount++
	}

	p50 := entry.measurements.P50()
	p99 := entry.measurements.P99()
	entry.measuredP50Ms = p50
	entry.measuredP99Ms = p99

	// Assign tier from measured P50.
	newTier := tierFromMeasuredP50(p50)

	// Health demotion: if error rate exceeds 30%, bump tier by one.
	errRate := entry.measurements.ErrorRate()
	entry.degraded = errRate > 0.3
	if entry.degraded && newTier < types.BudgetDeep {
		newTier++
	}

	entry.tier = newTier
	h.tools[name] = entry
}

// tierFromMeasuredP50 maps a measured P50 latency to a BudgetTier.
func tierFromMeasuredP50(p50Ms int64) types.BudgetTier {
	switch {
	case p50Ms <= 500:
		return types.BudgetFast
	case p50Ms <= 1500:
		return types.BudgetStandard
	default:
		return types.BudgetDeep
	}
}

// Close shuts down all server connections and releases associated resources.
// Each session is given [closeTimeout] to close before Close moves on to the
// next one, and Close is idempotent: calling it again (or calling it when no
// servers are registered) returns nil rather than raising.
//
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := closeWithTimeout(conn.session, closeTimeout); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}

	// Clear the tool registry.
	h.tools = make(map[string]toolEntry)

	return firstErr
}

// closeWithTimeout closes session, giving up and returning a timeout error
// if it has not finished within d. The close still proceeds in the
// background; this only bounds how long Close waits for it.
func closeWithTimeout(session *mcpsdk.ClientSession, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- session.Close() }()

	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("timed out after %s", d)
	}
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
