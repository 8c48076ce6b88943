// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewproto/mew/pkg/protocol"
)

func chatEnvelope(t *testing.T, text string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope("alice", protocol.KindChat, protocol.ChatPayload{Text: text})
	require.NoError(t, err)
	return env
}

func TestUsageSoftThresholdLatches(t *testing.T) {
	t.Parallel()
	u := newUsageTracker(100, 0.5)

	assert.False(t, u.observe(chatEnvelope(t, "hey")))

	big := chatEnvelope(t, strings.Repeat("a", 200))
	assert.True(t, u.observe(big), "crossing the soft threshold alerts")
	assert.False(t, u.observe(big), "the alert stays latched above the threshold")

	tokens, messages, maxTokens := u.snapshot()
	assert.Equal(t, 3, messages)
	assert.Equal(t, 100, maxTokens)
	assert.Greater(t, tokens, 50)
}

func TestUsageDisabledBudgetNeverAlerts(t *testing.T) {
	t.Parallel()
	u := newUsageTracker(0, 0.5)
	for i := 0; i < 32; i++ {
		assert.False(t, u.observe(chatEnvelope(t, strings.Repeat("x", 500))))
	}
	_, messages, _ := u.snapshot()
	assert.Equal(t, 32, messages, "traffic is still counted")
}

func TestUsageForgetRearmsAlert(t *testing.T) {
	t.Parallel()
	u := newUsageTracker(100, 0.5)

	env := chatEnvelope(t, strings.Repeat("a", 100))
	require.False(t, u.observe(env))
	require.True(t, u.observe(env))

	u.forget(1)
	tokens, messages, _ := u.snapshot()
	assert.Equal(t, 1, messages)
	assert.Less(t, tokens, 50)

	assert.True(t, u.observe(env), "crossing again after forgetting alerts again")
}

func TestUsageForgetDefaultsToHalf(t *testing.T) {
	t.Parallel()
	u := newUsageTracker(0, 0.9)
	for i := 0; i < 8; i++ {
		u.observe(chatEnvelope(t, "entry"))
	}

	u.forget(0)
	_, messages, _ := u.snapshot()
	assert.Equal(t, 4, messages)
}

func TestUsageClearResetsEverything(t *testing.T) {
	t.Parallel()
	u := newUsageTracker(10, 0.5)
	env := chatEnvelope(t, strings.Repeat("b", 100))
	u.observe(env)

	u.clear()
	tokens, messages, _ := u.snapshot()
	assert.Zero(t, tokens)
	assert.Zero(t, messages)
	assert.True(t, u.observe(env), "a cleared tracker can alert again")
}

func TestApproxTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, approxTokens(nil))
	assert.Equal(t, 1, approxTokens([]byte{}))
	assert.Equal(t, 1+25, approxTokens(json.RawMessage(strings.Repeat("x", 100))))
}
