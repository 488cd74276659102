package main

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsSubscriber struct {
	loc     chan interface{}
	skipped uint64
	pushed  uint64
}

func (wsub *wsSubscriber) push(v interface{}) {
	select {
	case wsub.loc <- v:
		atomic.AddUint64(&wsub.pushed, 1)
	default:
		atomic.AddUint64(&wsub.skipped, 1)
	}
}

// streamHub fans submissions out to connected websocket viewers. Slow
// viewers drop events rather than stall the submit path.
type streamHub struct {
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*wsSubscriber]bool
}

func newStreamHub() *streamHub {
	o := &streamHub{subs: make(map[*wsSubscriber]bool)}
	o.logger = log.With().Str("module", "stream").Logger()
	return o
}

func (h *streamHub) publish(v interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.push(v)
	}
}

func (h *streamHub) add(sub *wsSubscriber) {
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
}

func (h *streamHub) remove(sub *wsSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Err(err).Msg("websocket upgrade failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "stream closed")

	sub := &wsSubscriber{loc: make(chan interface{}, 16)}
	h.add(sub)
	defer h.remove(sub)
	h.logger.Info().Str("remote_address", r.RemoteAddr).Msg("viewer connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Uint64("pushed", atomic.LoadUint64(&sub.pushed)).
				Uint64("skipped", atomic.LoadUint64(&sub.skipped)).Msg("viewer gone")
			return
		case v := <-sub.loc:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c, v)
			cancel()
			if err != nil {
				h.logger.Err(err).Msg("viewer write failed")
				return
			}
		}
	}
}
