package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingFuncs struct {
	lines []string
}

func (r *recordingFuncs) funcs() LogFuncs {
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
		}
	}
	return LogFuncs{
		Debugf: record("debug"),
		Infof:  record("info"),
		Warnf:  record("warn"),
		Errorf: record("error"),
	}
}

func TestLogger_Prefix(t *testing.T) {
	rec := &recordingFuncs{}
	logger := NewLogger("entity: web-1 , ", rec.funcs())

	logger.Infof("started %d tasks", 3)
	logger.Errorf("failed")

	assert.Equal(t, []string{
		"info entity: web-1 , started 3 tasks",
		"error entity: web-1 , failed",
	}, rec.lines)
}

func TestLogger_ChildLoggerStacksPrefixes(t *testing.T) {
	rec := &recordingFuncs{}
	parent := NewLogger("node: ", rec.funcs())
	child := NewChildLogger(parent, "tasks: ")

	child.Warnf("slow task %s", "t-1")
	child.LogLevelf(LogLevelDebug, "debug line")

	assert.Equal(t, []string{
		"warn node: tasks: slow task t-1",
		"debug node: tasks: debug line",
	}, rec.lines)
}

func TestLogger_NopAndNilParent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNopLogger().Errorf("ignored %v", 1)
		NewChildLogger(nil, "x: ").Infof("ignored")
	})
}

func TestZapLogFuncs(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	logger := NewLogger("mgmt: ", NewZapLogFuncs(zap.New(core)))

	logger.Debugf("a=%d", 1)
	logger.Infof("b")

	entries := observed.AllUntimed()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "mgmt: a=1", entries[0].Message)
		assert.Equal(t, zap.InfoLevel, entries[1].Level)
	}
}
