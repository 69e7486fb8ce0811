package acdqueue

import (
	"sync"

	"github.com/rs/zerolog"
)

// DeviceDelta is one (interface, new state) transition, as produced by the
// transport collaborator's device-state bus.
type DeviceDelta struct {
	Interface string
	State     DeviceState
}

// DeviceStateWorker drains a buffered channel of device-state deltas into
// member/queue updates. It is the single consumer of the transport layer's
// device-state bus; producers (an MQTT subscription, a direct test driver)
// send on In. Within a single interface, deltas are applied in arrival
// order; across interfaces, order is unspecified.
type DeviceStateWorker struct {
	In chan DeviceDelta

	store *Store
	index *InterfaceIndex
	events *EventEmitter
	log   zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewDeviceStateWorker constructs a worker with the given delta buffer size.
func NewDeviceStateWorker(store *Store, index *InterfaceIndex, events *EventEmitter, bufSize int, log zerolog.Logger) *DeviceStateWorker {
	return &DeviceStateWorker{
		In:     make(chan DeviceDelta, bufSize),
		store:  store,
		index:  index,
		events: events,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker's consumer loop in its own goroutine.
func (w *DeviceStateWorker) Start() {
	go w.run()
}

// Stop signals the worker to exit and blocks until it does.
func (w *DeviceStateWorker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *DeviceStateWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case delta, ok := <-w.In:
			if !ok {
				return
			}
			w.apply(delta)
		}
	}
}

func (w *DeviceStateWorker) apply(delta DeviceDelta) {
	// Lock order: never hold the store lock while acquiring a queue lock
	// here. QueuesFor only touches the interface index's own lock.
	if w.index != nil && !w.index.Referenced(delta.Interface) {
		return
	}

	queueNames := w.index.QueuesFor(delta.Interface)
	for _, qname := range queueNames {
		q := w.store.Find(qname)
		if q == nil {
			continue
		}
		m := q.Members().Lookup(delta.Interface)
		if m == nil {
			continue
		}
		old := m.Snapshot().State
		if old == delta.State {
			continue
		}
		m.SetState(delta.State)

		q.mu.RLock()
		suppressed := q.Flags.MaskMemberStatus
		q.mu.RUnlock()

		if !suppressed && w.events != nil {
			w.events.Publish(Event{
				Type:      EventQueueMemberStatus,
				Queue:     qname,
				Interface: delta.Interface,
				Fields: map[string]string{
					"state":     delta.State.String(),
					"old_state": old.String(),
				},
			})
		}
	}
}
