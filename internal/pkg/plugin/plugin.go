// Package plugin hosts the runtime that drives virtual devices: it owns the
// poll loop over producer descriptors and serializes all event traffic, so
// the devices themselves can stay lock-free.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/virtpad/virtpad/internal/pkg/event"
	"github.com/virtpad/virtpad/internal/pkg/logger"
	"golang.org/x/sys/unix"
)

var log = logger.GetLogger()

// Consumer receives batches of abstract events.
type Consumer interface {
	Consume(events []event.Event)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(events []event.Event)

func (f ConsumerFunc) Consume(events []event.Event) {
	f(events)
}

// Producer is a feedback source. Open returns the descriptors the loop has
// to poll; Produce is called with the subset that reported ready and must
// not block.
type Producer interface {
	Open() ([]int, error)
	Produce(readyFds []int) []event.Event
	Close(exit bool) bool
}

// Loop shuttles events between producers and consumers. All Consume and
// Produce invocations happen under one mutex; external sources inject
// their events through Feed and get the same serialization.
type Loop struct {
	mu        sync.Mutex
	producers []Producer
	consumers []Consumer
	fds       []int
}

func NewLoop() *Loop {
	return &Loop{}
}

// AddProducer opens the producer and registers its descriptors for polling.
func (l *Loop) AddProducer(p Producer) error {
	fds, err := p.Open()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.producers = append(l.producers, p)
	l.fds = append(l.fds, fds...)
	l.mu.Unlock()
	return nil
}

func (l *Loop) AddConsumer(c Consumer) {
	l.mu.Lock()
	l.consumers = append(l.consumers, c)
	l.mu.Unlock()
}

// Feed hands a batch of events to every consumer. It is the entry point
// for physical device sources and safe to call from multiple goroutines.
func (l *Loop) Feed(events []event.Event) {
	if len(events) == 0 {
		return
	}
	l.mu.Lock()
	for _, c := range l.consumers {
		c.Consume(events)
	}
	l.mu.Unlock()
}

const pollTimeoutMs = 100

// Run polls the registered descriptors until the context is cancelled,
// then closes all producers. Produced events are fed back to the consumers,
// which is how rumble reaches the motor handlers.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		default:
		}

		l.mu.Lock()
		pollFds := make([]unix.PollFd, len(l.fds))
		for i, fd := range l.fds {
			pollFds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		l.mu.Unlock()

		if len(pollFds) == 0 {
			time.Sleep(time.Millisecond * pollTimeoutMs)
			continue
		}

		n, err := unix.Poll(pollFds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Info(fmt.Sprintf("poll failed: %v", err), logger.Error)
			time.Sleep(time.Millisecond * pollTimeoutMs)
			continue
		}
		if n == 0 {
			continue
		}

		var ready []int
		for _, pfd := range pollFds {
			if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				ready = append(ready, int(pfd.Fd))
			}
		}

		l.dispatch(ready)
	}
}

func (l *Loop) dispatch(ready []int) {
	l.mu.Lock()
	var produced []event.Event
	for _, p := range l.producers {
		produced = append(produced, p.Produce(ready)...)
	}
	if len(produced) > 0 {
		for _, c := range l.consumers {
			c.Consume(produced)
		}
	}
	l.mu.Unlock()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	for _, p := range l.producers {
		p.Close(true)
	}
	l.producers = nil
	l.fds = nil
	l.mu.Unlock()
}
