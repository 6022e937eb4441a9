package entity

import (
	"time"

	"github.com/roach88/entityd/internal/fault"
)

// Observer receives lifecycle notifications, typically to feed metrics.
// Calls come from the manager goroutine and must not block.
type Observer interface {
	Activated(fromSnapshot bool, replayed int, took time.Duration)
	// CommandFinished reports "" for success.
	CommandFinished(code fault.Code, took time.Duration)
	EventsPersisted(n int)
	SnapshotWritten(err error)
	Passivated(reason Reason)
}

type nopObserver struct{}

func (nopObserver) Activated(bool, int, time.Duration)        {}
func (nopObserver) CommandFinished(fault.Code, time.Duration) {}
func (nopObserver) EventsPersisted(int)                       {}
func (nopObserver) SnapshotWritten(error)                     {}
func (nopObserver) Passivated(Reason)                         {}
