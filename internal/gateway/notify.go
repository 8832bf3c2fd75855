// ABOUTME: User-visible notification and navigation hooks driven by the gateway
// ABOUTME: Includes logging and recording implementations for CLIs and tests

package gateway

import (
	"log/slog"
	"sync"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Notification is a user-visible message raised by a call outcome.
type Notification struct {
	Level   Level
	Kind    Kind
	Message string
}

// MessageSessionExpired is the text of the global teardown notification.
const MessageSessionExpired = "Your session has expired. Please log in again."

// Notifier shows notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Navigator moves the user to another route.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch n.Level {
	case LevelError:
		logger.Error(n.Message, "kind", n.Kind)
	case LevelWarn:
		logger.Warn(n.Message, "kind", n.Kind)
	default:
		logger.Info(n.Message, "kind", n.Kind)
	}
}

// Recorder captures notifications and navigations in order.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	navigations   []string
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *Recorder) Navigate(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigations = append(r.navigations, path)
}

// Notifications returns a copy of the recorded notifications.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Navigations returns a copy of the recorded navigation targets.
func (r *Recorder) Navigations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigations...)
}
