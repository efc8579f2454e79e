package onramp

import "context"

// EventTransitionView is emitted by the provider widget once its UI is shown
const EventTransitionView = "transition_view"

// Callbacks receive widget lifecycle notifications. They may be invoked from
// any goroutine.
type Callbacks struct {
	OnSuccess func()
	OnExit    func(err error)
	OnEvent   func(name string)
}

// Widget is the embedded conversion provider
type Widget interface {
	Open(ctx context.Context, config map[string]interface{}, cb Callbacks) error
	Close() error
}

type signalKind int

const (
	signalSuccess signalKind = iota
	signalExit
	signalEvent
)

type widgetSignal struct {
	kind signalKind
	name string
	err  error
}

// funnel turns widget callbacks into one channel. Sends stop once done is closed.
func funnel(done <-chan struct{}) (Callbacks, <-chan widgetSignal) {
	ch := make(chan widgetSignal, 16)
	send := func(s widgetSignal) {
		select {
		case ch <- s:
		case <-done:
		}
	}
	return Callbacks{
		OnSuccess: func() { send(widgetSignal{kind: signalSuccess}) },
		OnExit:    func(err error) { send(widgetSignal{kind: signalExit, err: err}) },
		OnEvent:   func(name string) { send(widgetSignal{kind: signalEvent, name: name}) },
	}, ch
}
