package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/newsmesh/gpu-orchestrator/domain/audit"
	"github.com/newsmesh/gpu-orchestrator/infrastructure/state"
	"github.com/newsmesh/gpu-orchestrator/internal/logging"
)

// auditFeed polls the State Store for newly written audit rows and
// broadcasts them to every connected GET /ws/audit client: the
// transport primitive an ops console subscribes to, analogous to the
// original implementation's realtime table-change feed.
type auditFeed struct {
	store        state.Store
	pollInterval time.Duration
	logger       *logging.Logger

	mu      sync.Mutex
	clients map[chan audit.Event]struct{}
	lastID  int64

	cancel context.CancelFunc
	done   chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newAuditFeed(store state.Store, logger *logging.Logger) *auditFeed {
	return &auditFeed{
		store:        store,
		pollInterval: time.Second,
		logger:       logger,
		clients:      make(map[chan audit.Event]struct{}),
	}
}

func (f *auditFeed) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				f.poll(runCtx)
			}
		}
	}()
}

func (f *auditFeed) stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

func (f *auditFeed) poll(ctx context.Context) {
	events, err := f.store.ListAudit(ctx, "", 100)
	if err != nil {
		if f.logger != nil {
			f.logger.WithError(err).Warn("audit feed poll failed")
		}
		return
	}

	f.mu.Lock()
	fresh := make([]audit.Event, 0, len(events))
	for _, ev := range events {
		if ev.ID > f.lastID {
			fresh = append(fresh, ev)
		}
	}
	if len(fresh) == 0 {
		f.mu.Unlock()
		return
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	f.lastID = fresh[len(fresh)-1].ID
	clients := make([]chan audit.Event, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, ev := range fresh {
		for _, c := range clients {
			select {
			case c <- ev:
			default: // a slow client drops events rather than blocking the poll loop
			}
		}
	}
}

func (f *auditFeed) subscribe() chan audit.Event {
	c := make(chan audit.Event, 32)
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	return c
}

func (f *auditFeed) unsubscribe(c chan audit.Event) {
	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	close(c)
}

// auditWS upgrades the connection and streams audit events as JSON
// frames until the client disconnects.
func (h *handler) auditWS(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "audit feed not configured"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := h.feed.subscribe()
	defer h.feed.unsubscribe(events)

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
