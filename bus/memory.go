package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/unkn0wn-root/profsync"
)

var errClosed = errors.New("bus: closed")

// Memory is an in-process Bus for tests and single-binary setups. Messages
// are fanned out to the groups that exist at publish time, so consumers must
// subscribe before producers start.
type Memory struct {
	mu     sync.Mutex
	groups map[string]chan *profsync.SyncMessage
	buffer int
	closed bool
}

var _ Bus = (*Memory)(nil)

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		groups: make(map[string]chan *profsync.SyncMessage),
		buffer: buffer,
	}
}

func (m *Memory) Publish(ctx context.Context, msg *profsync.SyncMessage) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	chans := make([]chan *profsync.SyncMessage, 0, len(m.groups))
	for _, ch := range m.groups {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Consume(ctx context.Context, group string, h Handler) error {
	m.mu.Lock()
	ch, ok := m.groups[group]
	if !ok {
		ch = make(chan *profsync.SyncMessage, m.buffer)
		m.groups[group] = ch
	}
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			// Memory has no redelivery; a handler error only drops the message.
			_ = h(ctx, msg)
		}
	}
}

func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.groups {
		close(ch)
	}
	return nil
}
