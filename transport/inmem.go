package transport

import (
	"sync"

	"go.uber.org/zap"
)

// FilterFunc decides whether the bus delivers a message from one port to
// another. Tests use it to model partitions and background-tab throttling.
// A nil filter delivers everything.
type FilterFunc func(from, to string, msg Message) bool

// MemoryBus is an in-process broadcast bus. Delivery is synchronous on the
// sender's goroutine, never echoed to the sender, and globally ordered, so
// it satisfies the per-sender FIFO contract trivially. It backs tests and
// single-process meshes.
type MemoryBus struct {
	mtx      sync.Mutex
	channels map[string][]*memoryPort
	filter   FilterFunc
	logger   *zap.Logger
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		channels: make(map[string][]*memoryPort),
		logger:   logger,
	}
}

// SetFilter installs the delivery filter. Safe to call while traffic flows.
func (b *MemoryBus) SetFilter(f FilterFunc) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.filter = f
}

// Join attaches a named port to a channel and returns its transport.
func (b *MemoryBus) Join(channel, name string) Transport {
	port := &memoryPort{
		bus:     b,
		channel: channel,
		name:    name,
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.channels[channel] = append(b.channels[channel], port)
	return port
}

func (b *MemoryBus) broadcast(sender *memoryPort, msg Message) {
	b.mtx.Lock()
	filter := b.filter
	ports := b.channels[sender.channel]
	targets := make([]*memoryPort, 0, len(ports))
	for _, port := range ports {
		if port == sender {
			continue
		}
		if filter != nil && !filter(sender.name, port.name, msg) {
			continue
		}
		targets = append(targets, port)
	}
	b.mtx.Unlock()
	for _, port := range targets {
		port.deliver(msg)
	}
}

func (b *MemoryBus) leave(port *memoryPort) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ports := b.channels[port.channel]
	for i, p := range ports {
		if p == port {
			b.channels[port.channel] = append(ports[:i:i], ports[i+1:]...)
			break
		}
	}
}

type memoryPort struct {
	bus     *MemoryBus
	channel string
	name    string

	mtx      sync.Mutex
	handlers []*memoryHandler
	closed   bool
}

type memoryHandler struct {
	fn      Handler
	removed bool
}

func (p *memoryPort) Broadcast(msg Message) error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return ErrClosed
	}
	p.mtx.Unlock()
	if _, err := Encode(msg); err != nil {
		return err
	}
	p.bus.broadcast(p, msg)
	return nil
}

func (p *memoryPort) OnMessage(handler Handler) func() {
	h := &memoryHandler{fn: handler}
	p.mtx.Lock()
	p.handlers = append(p.handlers, h)
	p.mtx.Unlock()
	return func() {
		p.mtx.Lock()
		h.removed = true
		p.mtx.Unlock()
	}
}

func (p *memoryPort) deliver(msg Message) {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return
	}
	handlers := make([]*memoryHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		if !h.removed {
			handlers = append(handlers, h)
		}
	}
	p.mtx.Unlock()
	for _, h := range handlers {
		p.dispatch(h.fn, msg)
	}
}

func (p *memoryPort) dispatch(handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.bus.logger.Error("message handler panicked",
				zap.String("port_name", p.name),
				zap.Any("panic_log", r))
		}
	}()
	handler(msg)
}

func (p *memoryPort) Close() error {
	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil
	}
	p.closed = true
	p.handlers = nil
	p.mtx.Unlock()
	p.bus.leave(p)
	return nil
}
