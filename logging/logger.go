package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Logger is the minimal logging interface used by components that only need to emit
// free-form debug lines. Both *logrus.Entry and *logrus.Logger satisfy it.
type Logger interface {
	Printf(message string, args ...interface{})
}

type nullLogger struct{}

func (n nullLogger) Printf(message string, args ...interface{}) {}

// NullLogger returns a Logger that discards everything.
func NullLogger() Logger { return nullLogger{} }

var (
	rootLock sync.Mutex
	root     = newRoot(os.Stderr, logrus.InfoLevel)
)

func newRoot(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})
	return l
}

// New returns a logrus entry tagged with the given component name. All components share one
// underlying logger so that Configure affects everything.
func New(component string) *logrus.Entry {
	rootLock.Lock()
	defer rootLock.Unlock()
	return root.WithField("Component", component)
}

// Configure sets the output and level of the shared logger.
func Configure(out io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	rootLock.Lock()
	defer rootLock.Unlock()
	if out != nil {
		root.SetOutput(out)
	}
	root.SetLevel(lvl)
	return nil
}

// AddHook attaches a hook to the shared logger and returns a function that detaches it.
func AddHook(hook logrus.Hook) func() {
	rootLock.Lock()
	root.AddHook(hook)
	rootLock.Unlock()
	return func() {
		rootLock.Lock()
		defer rootLock.Unlock()
		previous := root.ReplaceHooks(make(logrus.LevelHooks))
		replaced := make(logrus.LevelHooks)
		for level, hooks := range previous {
			for _, h := range hooks {
				if h != hook {
					replaced[level] = append(replaced[level], h)
				}
			}
		}
		root.ReplaceHooks(replaced)
	}
}

type CapturedMessage struct {
	Time    time.Time
	Level   logrus.Level
	Message string
	Fields  logrus.Fields
}

type CapturedOutput []CapturedMessage

// Dump writes the captured messages to dest, one per line, each preceded by prefix.
func (output CapturedOutput) Dump(dest io.Writer, prefix string) {
	for _, m := range output {
		fmt.Fprintf(dest, "%s[%s] %s\n",
			prefix,
			m.Time.Format(timestampFormat),
			m.Message,
		)
	}
}

// CapturingLogger accumulates messages in memory. It can be used directly as a Logger, or
// attached to logrus as a hook to observe what components logged during a test.
type CapturingLogger struct {
	output []CapturedMessage
	lock   sync.Mutex
}

func (l *CapturingLogger) Printf(message string, args ...interface{}) {
	l.lock.Lock()
	l.output = append(l.output, CapturedMessage{
		Time:    time.Now(),
		Level:   logrus.DebugLevel,
		Message: fmt.Sprintf(message, args...),
	})
	l.lock.Unlock()
}

func (l *CapturingLogger) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (l *CapturingLogger) Fire(entry *logrus.Entry) error {
	fields := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	l.lock.Lock()
	l.output = append(l.output, CapturedMessage{
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
		Fields:  fields,
	})
	l.lock.Unlock()
	return nil
}

func (l *CapturingLogger) Output() CapturedOutput {
	l.lock.Lock()
	ret := append([]CapturedMessage(nil), l.output...)
	l.lock.Unlock()
	return ret
}

// AtLevel returns only the captured messages at the given level.
func (output CapturedOutput) AtLevel(level logrus.Level) CapturedOutput {
	var ret CapturedOutput
	for _, m := range output {
		if m.Level == level {
			ret = append(ret, m)
		}
	}
	return ret
}
