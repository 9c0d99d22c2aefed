package resilience

import (
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragctx/schema"
)

// Tracker folds circuit states and per-request failures into a degradation
// annotation. It only reads state and never blocks a call.
type Tracker struct {
	registry *Registry
	// documentBackends are the backends that serve document search.
	documentBackends map[string]bool
}

func NewTracker(r *Registry, documentBackends ...string) *Tracker {
	t := &Tracker{registry: r, documentBackends: make(map[string]bool, len(documentBackends))}
	for _, b := range documentBackends {
		t.documentBackends[b] = true
	}
	return t
}

// Assess returns the degradation for a request that used backends and saw
// failures from the backends in failed. A backend whose circuit is not closed
// counts as affected even when this request did not call it.
//
// none: nothing affected. severe: every document backend in use is affected,
// or more than half of the backends in use are. partial otherwise.
func (t *Tracker) Assess(backends []string, failed []string) schema.Degradation {
	affected := make(map[string]bool, len(failed))
	for _, f := range failed {
		affected[f] = true
	}
	if t.registry != nil {
		for _, b := range backends {
			if t.registry.State(b) != StateClosed {
				affected[b] = true
			}
		}
	}
	if len(affected) == 0 {
		return schema.Degradation{Level: schema.DegradationNone}
	}

	names := make([]string, 0, len(affected))
	for b := range affected {
		names = append(names, b)
	}
	sort.Strings(names)

	used := 0
	docUsed, docAffected := 0, 0
	for _, b := range backends {
		used++
		if t.documentBackends[b] {
			docUsed++
			if affected[b] {
				docAffected++
			}
		}
	}
	hit := 0
	for _, b := range backends {
		if affected[b] {
			hit++
		}
	}

	level := schema.DegradationPartial
	switch {
	case docUsed > 0 && docAffected == docUsed:
		level = schema.DegradationSevere
	case used > 0 && hit*2 > used:
		level = schema.DegradationSevere
	}
	return schema.Degradation{Degraded: true, Level: level, AffectedBackends: names}
}
