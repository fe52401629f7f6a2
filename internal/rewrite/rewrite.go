// Package rewrite substitutes model names in proxied request bodies
// according to a configured mapping.
package rewrite

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"claudegate/internal/logging"
)

type globRule struct {
	pattern string
	matcher glob.Glob
	target  string
}

// Rewriter applies the model-swap mapping. It is safe for concurrent use;
// the admin surface may update the mapping while requests are in flight.
type Rewriter struct {
	mu      sync.RWMutex
	enabled bool
	mapping map[string]string
	globs   []globRule
	logger  *logging.Logger
}

// New builds a rewriter from the initial feature flag and mapping.
func New(enabled bool, mapping map[string]string, logger *logging.Logger) *Rewriter {
	r := &Rewriter{logger: logging.OrNop(logger).WithComponent("rewrite")}
	r.Update(enabled, mapping)
	return r
}

// Update replaces the flag and mapping atomically.
func (r *Rewriter) Update(enabled bool, mapping map[string]string) {
	copied := make(map[string]string, len(mapping))
	for from, to := range mapping {
		copied[from] = to
	}

	var globs []globRule
	patterns := make([]string, 0, len(copied))
	for pattern := range copied {
		if strings.ContainsAny(pattern, "*?[]") {
			patterns = append(patterns, pattern)
		}
	}
	// Map iteration order is random; keep glob evaluation deterministic.
	sort.Strings(patterns)
	for _, pattern := range patterns {
		matcher, err := glob.Compile(pattern)
		if err != nil {
			r.logger.Warn("invalid model mapping pattern", "pattern", pattern, "error", err)
			continue
		}
		globs = append(globs, globRule{pattern: pattern, matcher: matcher, target: copied[pattern]})
	}

	r.mu.Lock()
	r.enabled = enabled
	r.mapping = copied
	r.globs = globs
	r.mu.Unlock()
}

// Config returns the current flag and a copy of the mapping.
func (r *Rewriter) Config() (bool, map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	copied := make(map[string]string, len(r.mapping))
	for from, to := range r.mapping {
		copied[from] = to
	}
	return r.enabled, copied
}

// Resolve maps a model identifier through the configured rules: exact key
// match first, then glob patterns in sorted order.
func (r *Rewriter) Resolve(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.mapping[model]; ok {
		return target, true
	}
	for _, rule := range r.globs {
		if rule.matcher.Match(model) {
			return rule.target, true
		}
	}
	return model, false
}

// RewriteBody decodes body as JSON, rewrites the top-level model field and
// any tool_use block names under messages[*].content[*], and re-encodes.
// Any decode failure or a disabled/empty mapping passes the body through
// unchanged.
func (r *Rewriter) RewriteBody(body []byte) []byte {
	r.mu.RLock()
	active := r.enabled && len(r.mapping) > 0
	r.mu.RUnlock()
	if !active || len(body) == 0 {
		return body
	}

	// UseNumber keeps untouched numeric fields byte-exact through the
	// decode/encode round trip; plain float64 decoding would corrupt
	// integers above 2^53.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return body
	}

	changed := false
	if model, ok := payload["model"].(string); ok {
		if target, matched := r.Resolve(model); matched {
			payload["model"] = target
			changed = true
			r.logger.Debug("rewrote model", "from", model, "to", target)
		}
	}

	if messages, ok := payload["messages"].([]any); ok {
		for _, message := range messages {
			entry, ok := message.(map[string]any)
			if !ok {
				continue
			}
			blocks, ok := entry["content"].([]any)
			if !ok {
				continue
			}
			for _, block := range blocks {
				obj, ok := block.(map[string]any)
				if !ok || obj["type"] != "tool_use" {
					continue
				}
				name, ok := obj["name"].(string)
				if !ok {
					continue
				}
				if target, matched := r.Resolve(name); matched {
					obj["name"] = target
					changed = true
				}
			}
		}
	}

	if !changed {
		return body
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return encoded
}
