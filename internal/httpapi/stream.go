package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

const streamWriteTimeout = 5 * time.Second

// cycleHub fans each completed cycle report out to connected websocket
// clients. Broadcasting never blocks a cycle: a client whose buffer is full
// misses that report.
type cycleHub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	msgs chan []byte
}

func newCycleHub() *cycleHub {
	return &cycleHub{clients: map[*streamClient]struct{}{}}
}

func (h *cycleHub) register() *streamClient {
	client := &streamClient{msgs: make(chan []byte, 8)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	return client
}

func (h *cycleHub) unregister(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}

func (h *cycleHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *cycleHub) broadcast(report tablesync.CycleReport) {
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.msgs <- data:
		default:
		}
	}
}

func (s *Server) handleCycleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	client := s.hub.register()
	defer s.hub.unregister(client)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead surfaces client disconnects through the returned context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.msgs:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			writeErr := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if writeErr != nil {
				return
			}
		}
	}
}
