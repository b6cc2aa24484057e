// Package notification delivers short, non-blocking notices to whoever is
// operating the desk ("Could not load availability", "Appointment booked").
// Posting a notice never fails and never blocks the caller.
package notification

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a single user-visible message.
type Notice struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier accepts notices.
type Notifier interface {
	Notify(level Level, message string)
}

// Discard drops every notice.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Level, string) {}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

// DefaultFeedSize is the number of notices a Feed keeps when no size is given.
const DefaultFeedSize = 50

// Feed keeps the most recent notices in memory and fans them out to
// registered listeners. Listeners run synchronously and must not block.
type Feed struct {
	mu        sync.Mutex
	size      int
	notices   []Notice
	listeners []func(Notice)
	now       func() time.Time
}

// NewFeed creates a Feed holding at most size notices.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{size: size, now: time.Now}
}

// Notify records a notice and forwards it to listeners.
func (f *Feed) Notify(level Level, message string) {
	n := Notice{Level: level, Message: message, Time: f.now()}

	f.mu.Lock()
	f.notices = append(f.notices, n)
	if len(f.notices) > f.size {
		f.notices = f.notices[len(f.notices)-f.size:]
	}
	listeners := make([]func(Notice), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l(n)
	}
}

// OnNotice registers a listener for future notices.
func (f *Feed) OnNotice(fn func(Notice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Recent returns a copy of the retained notices, oldest first.
func (f *Feed) Recent() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notice, len(f.notices))
	copy(out, f.notices)
	return out
}

// Last returns the newest notice, if any.
func (f *Feed) Last() (Notice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notices) == 0 {
		return Notice{}, false
	}
	return f.notices[len(f.notices)-1], true
}

// ---------------------------------------------------------------------------
// Log notifier
// ---------------------------------------------------------------------------

// LogNotifier writes notices to a zerolog logger, mapping levels one to one.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(level Level, message string) {
	var evt *zerolog.Event
	switch level {
	case LevelError:
		evt = n.logger.Error()
	case LevelWarning:
		evt = n.logger.Warn()
	default:
		evt = n.logger.Info()
	}
	evt.Str("level_hint", string(level)).Msg(message)
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(level Level, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(level, message)
		}
	}
}
