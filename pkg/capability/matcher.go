// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability decides whether an envelope matches a participant's
// capability grants. Matching is pure and allocation-light: payloads are
// inspected in place with gjson, never unmarshaled into maps.
package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/match"

	"github.com/mewproto/mew/pkg/protocol"
)

// Set is a participant's ordered capability grant. The effective grant is
// the union of positive capabilities minus anything a negative ("!"-prefixed)
// capability matches.
type Set []protocol.Capability

// NewSet copies caps into a Set.
func NewSet(caps ...protocol.Capability) Set {
	return slices.Clone(caps)
}

// CanSend reports whether the set permits sending env: at least one positive
// capability matches and no negative capability does.
func (s Set) CanSend(env *protocol.Envelope) bool {
	allowed := false
	for _, c := range s {
		if !Matches(c, env) {
			continue
		}
		if strings.HasPrefix(c.Kind, "!") {
			return false
		}
		allowed = true
	}
	return allowed
}

// Matches reports whether env matches the capability's pattern. The negation
// marker is ignored here; CanSend gives it meaning.
func Matches(c protocol.Capability, env *protocol.Envelope) bool {
	kindPattern := strings.TrimPrefix(c.Kind, "!")
	if !KindMatches(kindPattern, env.Kind) {
		return false
	}
	if len(c.Payload) == 0 {
		return true
	}
	return PayloadMatches(c.Payload, env.Payload)
}

// KindMatches matches a kind against a slash-separated glob pattern. Each
// pattern segment matches its kind segment with * and ? wildcards; a
// trailing "*" segment matches any non-empty remaining suffix, so "*" alone
// matches every kind and "mcp/*" matches "mcp/request" but not "mcp".
func KindMatches(pattern, kind string) bool {
	if pattern == "" || kind == "" {
		return false
	}
	ps := strings.Split(pattern, "/")
	ks := strings.Split(kind, "/")
	for i, p := range ps {
		if i >= len(ks) {
			return false
		}
		if p == "*" && i == len(ps)-1 {
			return true
		}
		if !match.Match(ks[i], p) {
			return false
		}
	}
	return len(ks) == len(ps)
}

// AnyKindMatches reports whether kind matches any of the given patterns.
// Pause allow-lists use this.
func AnyKindMatches(patterns []string, kind string) bool {
	return slices.ContainsFunc(patterns, func(p string) bool {
		return KindMatches(p, kind)
	})
}

// PayloadMatches applies a recursive structural pattern to a raw JSON
// payload. Every pattern key must be present with a matching value; keys the
// pattern does not mention are ignored. String pattern values are globs,
// "*" matches any present value, arrays use subset semantics, and nested
// maps recurse.
func PayloadMatches(pattern map[string]any, payload []byte) bool {
	if len(pattern) == 0 {
		return true
	}
	if !gjson.ValidBytes(payload) {
		return false
	}
	return objectMatches(pattern, gjson.ParseBytes(payload))
}

func objectMatches(pattern map[string]any, doc gjson.Result) bool {
	if !doc.IsObject() {
		return false
	}
	for key, want := range pattern {
		if !valueMatches(want, doc.Get(escapeKey(key))) {
			return false
		}
	}
	return true
}

func valueMatches(want any, got gjson.Result) bool {
	switch p := want.(type) {
	case string:
		if p == "*" {
			return got.Exists()
		}
		return got.Type == gjson.String && match.Match(got.Str, p)
	case bool:
		if p {
			return got.Type == gjson.True
		}
		return got.Type == gjson.False
	case nil:
		return got.Type == gjson.Null
	case float64:
		return got.Type == gjson.Number && got.Num == p
	case int:
		return got.Type == gjson.Number && got.Num == float64(p)
	case int64:
		return got.Type == gjson.Number && got.Num == float64(p)
	case []any:
		if !got.IsArray() {
			return false
		}
		elems := got.Array()
		for _, pe := range p {
			found := slices.ContainsFunc(elems, func(e gjson.Result) bool {
				return valueMatches(pe, e)
			})
			if !found {
				return false
			}
		}
		return true
	case map[string]any:
		return objectMatches(p, got)
	default:
		return false
	}
}

// CheckPattern reports whether a capability is a well-formed pattern. Space
// configurations run this at load time so a malformed grant fails at startup
// instead of silently never matching.
func CheckPattern(c protocol.Capability) error {
	kind := strings.TrimPrefix(c.Kind, "!")
	if kind == "" {
		return fmt.Errorf("capability kind must not be empty")
	}
	for _, seg := range strings.Split(kind, "/") {
		if seg == "" {
			return fmt.Errorf("capability kind %q has an empty segment", c.Kind)
		}
	}
	return checkPatternObject(c.Payload)
}

func checkPatternObject(pattern map[string]any) error {
	for key, v := range pattern {
		if err := checkPatternValue(v); err != nil {
			return fmt.Errorf("payload pattern key %q: %w", key, err)
		}
	}
	return nil
}

func checkPatternValue(v any) error {
	switch p := v.(type) {
	case string, bool, nil, float64, int, int64:
		return nil
	case []any:
		for _, e := range p {
			if err := checkPatternValue(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		return checkPatternObject(p)
	default:
		return fmt.Errorf("unsupported pattern value of type %T", v)
	}
}

// escapeKey neutralizes gjson's traversal characters so a pattern key is
// always a literal object key lookup.
func escapeKey(key string) string {
	if !strings.ContainsAny(key, `.*?\`) {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
