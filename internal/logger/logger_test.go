package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSink struct {
	calls []string
}

func (f *fakeSink) Info(level int, msg string, keysAndValues ...interface{}) {
	f.calls = append(f.calls, msg)
}

type fakeMessage struct {
	component Component
	message   string
}

func (m *fakeMessage) Component() Component { return m.component }
func (m *fakeMessage) Message() string      { return m.message }
func (m *fakeMessage) Keys() []interface{}  { return []interface{}{"command", "{\"ping\":1}"} }

func TestLoggerFiltersByComponentLevel(t *testing.T) {
	sink := &fakeSink{}
	l := New(sink, 0, map[Component]Level{ComponentCommand: LevelDebug})
	StartPrintListener(l)

	l.Print(LevelDebug, &fakeMessage{component: ComponentCommand, message: "command started"})
	l.Print(LevelDebug, &fakeMessage{component: ComponentTopology, message: "should be dropped"})
	l.Close()

	assert.Eventually(t, func() bool { return len(sink.calls) == 1 }, time.Second, time.Millisecond)
}

func TestTruncate(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz"
	got := truncate(long, 5)
	assert.Equal(t, "abcde"+TruncationSuffix, got)
	assert.Equal(t, long, truncate(long, 100))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("warn"))
	assert.Equal(t, LevelOff, ParseLevel("bogus"))
}
