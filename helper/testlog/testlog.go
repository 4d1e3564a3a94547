// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog.Loggers that write to the test's log
// buffer, so output is only emitted for failing tests.
package testlog

import (
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/hashicorp/go-hclog"
)

// writer adapts testing.T to io.Writer.
type writer struct {
	t testing.TB
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter returns an io.Writer backed by t.Logf.
func NewWriter(t testing.TB) io.Writer {
	return &writer{t}
}

// HCLogger returns a new test logger named after the test.
func HCLogger(t testing.TB) hclog.Logger {
	level := hclog.Trace
	if v := os.Getenv("DROVER_TEST_LOG_LEVEL"); v != "" {
		level = hclog.LevelFromString(v)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           level,
		Output:          NewWriter(t),
		IncludeLocation: true,
	})
}

func init() {
	// Honor the flag some CI jobs set to silence all test logging.
	if quiet, _ := strconv.ParseBool(os.Getenv("DROVER_TEST_LOG_QUIET")); quiet {
		hclog.SetDefault(hclog.NewNullLogger())
	}
}
