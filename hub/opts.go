package hub

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Options control the behaviour of a hub created by NewHub.
// A nil *Options provides sensible defaults.
type Options struct {
	// If not nil, send debug logs to this writer.
	LogWriter io.Writer

	// How long a connection may sit without inbound traffic before it
	// hibernates. A zero value uses 30s; a negative value disables
	// hibernation entirely.
	IdleTimeout time.Duration

	// How long a connection may stay hibernating before it is closed.
	// A zero value uses 10m; a negative value disables the limit.
	MaxHibernation time.Duration

	// Upper bound on the number of events queued for a hibernating
	// connection; when full, the oldest event is dropped. A zero value
	// uses 100; a negative value leaves the queue unbounded.
	QueueLimit int
}

func (o *Options) logFunc() func(string, ...any) {
	if o == nil || o.LogWriter == nil {
		return func(string, ...any) {}
	}
	logger := log.New(o.LogWriter, "[hub] ", log.LstdFlags|log.Lshortfile)
	return func(msg string, args ...any) { logger.Output(2, fmt.Sprintf(msg, args...)) }
}

func (o *Options) idleTimeout() time.Duration {
	if o == nil || o.IdleTimeout == 0 {
		return 30 * time.Second
	}
	if o.IdleTimeout < 0 {
		return 0
	}
	return o.IdleTimeout
}

func (o *Options) maxHibernation() time.Duration {
	if o == nil || o.MaxHibernation == 0 {
		return 10 * time.Minute
	}
	if o.MaxHibernation < 0 {
		return 0
	}
	return o.MaxHibernation
}

func (o *Options) queueLimit() int {
	if o == nil || o.QueueLimit == 0 {
		return 100
	}
	if o.QueueLimit < 0 {
		return 0
	}
	return o.QueueLimit
}
