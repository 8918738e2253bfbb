// Package bus implements the local broadcast bus the peers attach to: a
// websocket hub that fans every frame out to every other attachment on the
// same channel, in arrival order, never back to the sender.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ZeroconfService is the mDNS service type the bus advertises under.
const ZeroconfService = "_windowmesh._tcp"

const clientBacklog = 64

// Bus is the hub. Zero channels exist until the first attachment; a
// channel disappears when its last attachment leaves.
type Bus struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mtx      sync.Mutex
	channels map[string]map[*attachment]struct{}

	mdns *zeroconf.Server
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:   logger,
		channels: make(map[string]map[*attachment]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP surface of the bus: the websocket attachment
// route plus health and channel introspection.
func (b *Bus) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/channels/{channel}", b.serveChannel)
	router.HandleFunc("/channels", b.serveStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return router
}

// Advertise registers the bus over mDNS so peers on the same machine or
// LAN segment find it without configuration.
func (b *Bus) Advertise(instance string, port int) error {
	server, err := zeroconf.Register(instance, ZeroconfService, "local.", port, nil, nil)
	if err != nil {
		return errors.Wrap(err, "failed to register mdns service")
	}
	b.mtx.Lock()
	b.mdns = server
	b.mtx.Unlock()
	return nil
}

// Shutdown closes every attachment and withdraws the mDNS advertisement.
func (b *Bus) Shutdown() {
	b.mtx.Lock()
	mdns := b.mdns
	b.mdns = nil
	attachments := []*attachment{}
	for _, channel := range b.channels {
		for a := range channel {
			attachments = append(attachments, a)
		}
	}
	b.mtx.Unlock()
	if mdns != nil {
		mdns.Shutdown()
	}
	for _, a := range attachments {
		a.close()
	}
}

func (b *Bus) serveChannel(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	a := &attachment{
		bus:     b,
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, clientBacklog),
		done:    make(chan struct{}),
	}
	b.mtx.Lock()
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[*attachment]struct{})
	}
	b.channels[channel][a] = struct{}{}
	count := len(b.channels[channel])
	b.mtx.Unlock()
	b.logger.Info("peer attached",
		zap.String("bus_channel", channel),
		zap.Int("attachment_count", count))
	go a.writePump()
	go a.readPump()
}

func (b *Bus) serveStats(w http.ResponseWriter, _ *http.Request) {
	b.mtx.Lock()
	stats := make(map[string]int, len(b.channels))
	for name, channel := range b.channels {
		stats[name] = len(channel)
	}
	b.mtx.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// forward relays one frame to every other attachment on the channel. Slow
// consumers are skipped rather than blocking the sender.
func (b *Bus) forward(sender *attachment, payload []byte) {
	b.mtx.Lock()
	targets := make([]*attachment, 0, len(b.channels[sender.channel]))
	for a := range b.channels[sender.channel] {
		if a != sender {
			targets = append(targets, a)
		}
	}
	b.mtx.Unlock()
	for _, a := range targets {
		select {
		case a.send <- payload:
		default:
			b.logger.Warn("dropping frame for slow attachment",
				zap.String("bus_channel", sender.channel))
		}
	}
}

func (b *Bus) detach(a *attachment) {
	b.mtx.Lock()
	if channel, ok := b.channels[a.channel]; ok {
		delete(channel, a)
		if len(channel) == 0 {
			delete(b.channels, a.channel)
		}
	}
	b.mtx.Unlock()
}

type attachment struct {
	bus     *Bus
	channel string
	conn    *websocket.Conn
	send    chan []byte

	once sync.Once
	done chan struct{}
}

func (a *attachment) readPump() {
	defer a.close()
	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		a.bus.forward(a, payload)
	}
}

func (a *attachment) writePump() {
	for {
		select {
		case <-a.done:
			return
		case payload := <-a.send:
			if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (a *attachment) close() {
	a.once.Do(func() {
		close(a.done)
		a.conn.Close()
		a.bus.detach(a)
	})
}

// Discover browses mDNS for an advertised bus and returns its websocket
// URL. It returns the first instance found within the timeout.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create mdns resolver")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ZeroconfService, "local.", entries); err != nil {
		return "", errors.Wrap(err, "failed to browse mdns")
	}
	for {
		select {
		case <-ctx.Done():
			return "", errors.New("no bus found")
		case entry := <-entries:
			if entry == nil {
				continue
			}
			if len(entry.AddrIPv4) > 0 {
				return fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port), nil
			}
		}
	}
}
