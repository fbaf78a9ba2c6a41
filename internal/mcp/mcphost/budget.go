package mcphost

import (
	"cmp"
	"slices"

	"github.com/cadencevoice/cadenced/pkg/types"
)

// BudgetEnforcer orders tool definitions by measured latency. Earlier
// revisions of this host used it to gate tool visibility by
// [types.BudgetTier]; that gating was repurposed into [Host.ToolHealth]
// reporting, so every registered tool is now always available and tier is
// informational only (see package doc).
//
// The zero value is ready for use.
type BudgetEnforcer struct{}

// FilterTools returns every tool definition, sorted by estimated latency
// ascending (fastest first). Despite the name it no longer filters by tier.
func (e *BudgetEnforcer) FilterTools(tools []toolEntry) []types.ToolDefinition {
	result := make([]toolEntry, len(tools))
	copy(result, tools)

	// Sort by effective latency: prefer measured P50 when available, fall back to declared.
	slices.SortFunc(result, func(a, b toolEntry) int {
		return cmp.Compare(a.effectiveP50(), b.effectiveP50())
	})

	defs := make([]types.ToolDefinition, len(result))
	for i, e := range result {
		defs[i] = e.def
	}
	return defs
}

// effectiveP50 returns the best-known P50 latency for sorting purposes.
// If the rolling window has measurements, that value is used; otherwise the
// declared P50 is returned.
func (e toolEntry) effectiveP50() int64 {
	if e.measurements != nil && e.measurements.Count() > 0 {
		return e.measuredP50Ms
	}
	return e.declaredP50Ms
}
