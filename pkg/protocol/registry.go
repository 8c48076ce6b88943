// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// KindRegistry maps envelope kinds to compiled payload schemas. Kinds without
// a registered schema pass validation untouched; whether they may be sent at
// all is decided by capability policy, not the codec.
type KindRegistry struct {
	schemas map[string]*gojsonschema.Schema
}

// NewKindRegistry returns a registry preloaded with the builtin kinds.
func NewKindRegistry() *KindRegistry {
	r := &KindRegistry{schemas: make(map[string]*gojsonschema.Schema, len(builtinSchemas))}
	for kind, src := range builtinSchemas {
		r.schemas[kind] = mustCompileSchema(kind, src)
	}
	return r
}

// Register compiles and installs a payload schema for kind, replacing any
// existing one.
func (r *KindRegistry) Register(kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("failed to compile schema for kind %q: %w", kind, err)
	}
	r.schemas[kind] = schema
	return nil
}

// Known reports whether kind has a registered payload schema.
func (r *KindRegistry) Known(kind string) bool {
	_, ok := r.schemas[kind]
	return ok
}

// Validate checks payload against the schema registered for kind. A missing
// payload is validated as an empty object so kinds with required fields
// reject it.
func (r *KindRegistry) Validate(kind string, payload []byte) error {
	schema, ok := r.schemas[kind]
	if !ok {
		return nil
	}

	doc := payload
	if len(doc) == 0 {
		doc = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%s payload is not valid JSON: %w", kind, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s payload invalid: %s", kind, strings.Join(msgs, "; "))
	}
	return nil
}

func mustCompileSchema(kind, src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("builtin schema for kind %q does not compile: %v", kind, err))
	}
	return schema
}

const mcpCallSchema = `{
	"type": "object",
	"required": ["jsonrpc", "method"],
	"properties": {
		"jsonrpc": {"const": "2.0"},
		"method": {"type": "string", "minLength": 1},
		"params": {}
	}
}`

var builtinSchemas = map[string]string{
	KindChat: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string"},
			"format": {"enum": ["plain", "markdown"]}
		}
	}`,
	KindChatAcknowledge: `{"type": "object"}`,
	KindChatCancel:      `{"type": "object"}`,

	KindMCPRequest:  mcpCallSchema,
	KindMCPProposal: mcpCallSchema,
	KindMCPResponse: `{
		"type": "object",
		"required": ["jsonrpc"],
		"oneOf": [
			{"required": ["result"]},
			{"required": ["error"]}
		],
		"properties": {
			"jsonrpc": {"const": "2.0"},
			"result": {},
			"error": {
				"type": "object",
				"required": ["code", "message"],
				"properties": {
					"code": {"type": "integer"},
					"message": {"type": "string"}
				}
			}
		}
	}`,
	KindMCPReject: `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string"}}
	}`,
	KindMCPWithdraw: `{
		"type": "object",
		"required": ["reason"],
		"properties": {"reason": {"type": "string"}}
	}`,

	KindSystemWelcome: `{
		"type": "object",
		"required": ["you", "participants"],
		"properties": {
			"you": {
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string"}}
			},
			"participants": {"type": "array"}
		}
	}`,
	KindSystemPresence: `{
		"type": "object",
		"required": ["event", "participant"],
		"properties": {
			"event": {"enum": ["join", "leave"]},
			"participant": {
				"type": "object",
				"required": ["id"],
				"properties": {"id": {"type": "string"}}
			}
		}
	}`,
	KindSystemError: `{
		"type": "object",
		"required": ["code", "message"],
		"properties": {
			"code": {"type": "string"},
			"message": {"type": "string"},
			"detail": {"type": "object"}
		}
	}`,

	KindReasoningStart:      reasoningSchema,
	KindReasoningThought:    reasoningSchema,
	KindReasoningConclusion: reasoningSchema,
	KindReasoningCancel: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,

	KindStreamRequest: `{
		"type": "object",
		"required": ["direction", "description"],
		"properties": {
			"direction": {"enum": ["upload", "download", "bidirectional"]},
			"description": {"type": "string"},
			"formats": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindStreamOpen: `{
		"type": "object",
		"required": ["stream_id"],
		"properties": {
			"stream_id": {"type": "string", "minLength": 1},
			"formats": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindStreamData: `{
		"type": "object",
		"required": ["stream", "sequence", "content"],
		"properties": {
			"stream": {
				"type": "object",
				"required": ["stream_id"],
				"properties": {"stream_id": {"type": "string", "minLength": 1}}
			},
			"sequence": {"type": "integer", "minimum": 1},
			"content": {},
			"format_id": {"type": "string"}
		}
	}`,
	KindStreamClose: `{
		"type": "object",
		"required": ["stream"],
		"properties": {
			"stream": {
				"type": "object",
				"required": ["stream_id"],
				"properties": {"stream_id": {"type": "string", "minLength": 1}}
			},
			"reason": {"type": "string"}
		}
	}`,
	KindStreamError: `{
		"type": "object",
		"required": ["stream", "code"],
		"properties": {
			"stream": {
				"type": "object",
				"required": ["stream_id"],
				"properties": {"stream_id": {"type": "string", "minLength": 1}}
			},
			"code": {"type": "string"},
			"message": {"type": "string"}
		}
	}`,

	KindParticipantPause: `{
		"type": "object",
		"properties": {
			"until": {"type": "string", "format": "date-time"},
			"timeout_seconds": {"type": "integer", "minimum": 1},
			"allow": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	KindParticipantResume:        `{"type": "object"}`,
	KindParticipantForget:        `{"type": "object", "properties": {"entries": {"type": "integer", "minimum": 0}}}`,
	KindParticipantClear:         `{"type": "object"}`,
	KindParticipantRestart:       `{"type": "object"}`,
	KindParticipantShutdown:      `{"type": "object", "properties": {"reason": {"type": "string"}}}`,
	KindParticipantRequestStatus: `{"type": "object"}`,
	KindParticipantStatus: `{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"type": "string"},
			"tokens": {"type": "integer", "minimum": 0},
			"max_tokens": {"type": "integer", "minimum": 0},
			"messages": {"type": "integer", "minimum": 0}
		}
	}`,
}

const reasoningSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {"message": {"type": "string"}}
}`
