// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
)

// MaxStreamIDLen bounds the stream id inside a binary frame prefix.
const MaxStreamIDLen = 64

// EncodeStreamFrame frames raw stream bytes for a binary WebSocket message:
// an ASCII "#<stream_id>#" prefix followed by the data untouched.
func EncodeStreamFrame(streamID string, data []byte) []byte {
	buf := make([]byte, 0, len(streamID)+2+len(data))
	buf = append(buf, '#')
	buf = append(buf, streamID...)
	buf = append(buf, '#')
	return append(buf, data...)
}

// DecodeStreamFrame splits a binary frame into its stream id and data. The
// data slice aliases the frame; callers that retain it past the frame's
// lifetime must copy.
func DecodeStreamFrame(frame []byte) (string, []byte, error) {
	if len(frame) == 0 || frame[0] != '#' {
		return "", nil, fmt.Errorf("binary frame does not start with a stream prefix")
	}
	end := bytes.IndexByte(frame[1:], '#')
	if end < 0 {
		return "", nil, fmt.Errorf("binary frame has an unterminated stream prefix")
	}
	if end == 0 {
		return "", nil, fmt.Errorf("binary frame has an empty stream id")
	}
	if end > MaxStreamIDLen {
		return "", nil, fmt.Errorf("stream id of %d bytes exceeds the %d byte limit", end, MaxStreamIDLen)
	}
	return string(frame[1 : 1+end]), frame[end+2:], nil
}
