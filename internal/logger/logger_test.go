// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tt := []struct {
		name      string
		format    string
		level     string
		logsInfo  bool
		logsDebug bool
	}{
		{"json debug", "json", "debug", true, true},
		{"json info", "json", "info", true, false},
		{"json warn", "json", "warn", false, false},
		{"text info", "text", "info", true, false},
		{"text error", "text", "error", false, false},
		{"unknown level falls back to info", "text", "verbose", true, false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			log, err := New(tc.level, tc.format, buf)
			require.NoError(t, err)

			log.Debug("debug message")
			assert.Equal(t, tc.logsDebug, strings.Contains(buf.String(), "debug message"))

			log.Info("info message")
			assert.Equal(t, tc.logsInfo, strings.Contains(buf.String(), "info message"))
		})
	}
}

func TestNewInvalidFormat(t *testing.T) {
	_, err := New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestSourceIsShortened(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New("info", "json", buf)
	require.NoError(t, err)
	log.Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	src, ok := rec[slog.SourceKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "logger/logger_test.go", src["file"])
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.Enabled(t.Context(), slog.LevelError))
}
