package rollout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
	"github.com/stretchr/testify/assert"
)

func TestFmtLoggerFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithFields(NewFmtLogger(buf), map[string]any{"task_id": "t1", "tenant_id": "acme"})

	logger.Info("stage completed", "stage", "portal")
	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "stage completed")
	assert.Contains(t, line, "stage=portal task_id=t1 tenant_id=acme")
}

func TestFmtLoggerPrintfStyle(t *testing.T) {
	buf := &bytes.Buffer{}
	NewFmtLogger(buf).Warn("retry %d of %d", 2, 3)
	assert.Contains(t, buf.String(), "retry 2 of 3")
}

func TestFmtLoggerOddArgs(t *testing.T) {
	buf := &bytes.Buffer{}
	NewFmtLogger(buf).Error("dangling", "key")
	assert.Contains(t, buf.String(), "!BADKEY=key")
}

func TestWithFieldsDoesNotLeak(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewFmtLogger(buf)
	_ = WithFields(base, map[string]any{"stage": "portal"})

	base.Info("plain")
	assert.NotContains(t, buf.String(), "stage=portal")
}

func TestNormalizeLogger(t *testing.T) {
	assert.IsType(t, &FmtLogger{}, NormalizeLogger(nil))

	nop := NopLogger{}
	assert.Equal(t, nop, NormalizeLogger(nop))
	// loggers without field support are returned as is
	assert.Equal(t, nop, WithFields(nop, map[string]any{"a": 1}))
	assert.Equal(t, nop, nop.WithContext(context.Background()))
}

func TestGlogLoggerCarriesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)

	logger := WithFields(NewGlogLogger(base), map[string]any{"task_id": "t1"})
	logger.Info("task started", "tenant_id", "acme")

	out := buf.String()
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected go-logger output")
	}
	assert.Contains(t, out, "task started")
	assert.Contains(t, out, "task_id")
}

func TestNewGlogLoggerNilFallsBack(t *testing.T) {
	assert.IsType(t, &FmtLogger{}, NewGlogLogger(nil))
}
