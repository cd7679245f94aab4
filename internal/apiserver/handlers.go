package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"xray-guard/internal/aggregate"
	"xray-guard/internal/model"
	"xray-guard/internal/rules"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Handlers serves the status API over the decision storage, the window
// store and the rule engine.
type Handlers struct {
	store    *Storage
	windows  *aggregate.WindowStore
	engine   *rules.Engine
	nodeName string
	started  time.Time
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

func NewHandlers(store *Storage, windows *aggregate.WindowStore, engine *rules.Engine, nodeName string, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:    store,
		windows:  windows,
		engine:   engine,
		nodeName: nodeName,
		started:  time.Now().UTC(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// GetDecisions lists recent decisions, latest first
func (h *Handlers) GetDecisions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	filter := DecisionFilter{
		Kind:     r.URL.Query().Get("kind"),
		ClientID: r.URL.Query().Get("client"),
	}
	decisions := h.store.GetDecisions(limit, filter)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": decisions,
		"total": len(decisions),
	})
}

func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	decision := h.store.GetDecisionByID(id)
	if decision == nil {
		writeError(w, http.StatusNotFound, "Decision not found")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// GetClients lists the evaluation state of every tracked client
func (h *Handlers) GetClients(w http.ResponseWriter, r *http.Request) {
	states := h.engine.ClientStates()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": states,
		"total": len(states),
	})
}

// UnblockClient clears the evaluation state of a client so it can be
// decided on again after a manual panel unban.
func (h *Handlers) UnblockClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client"]

	if !h.engine.ClearClient(clientID) {
		writeError(w, http.StatusNotFound, "Client has no recorded state")
		return
	}

	h.logger.Infof("Cleared evaluation state for client %s via API", clientID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"client":  clientID,
		"cleared": true,
	})
}

// GetWindows summarizes the retained aggregation windows
func (h *Handlers) GetWindows(w http.ResponseWriter, r *http.Request) {
	summaries := h.windows.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": summaries,
		"total": len(summaries),
	})
}

// GetStats reports node identity, uptime and decision counts
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.store.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":           h.nodeName,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"window_keys":    h.windows.KeyCount(),
		"decisions":      stats,
	})
}

// StreamDecisions pushes live decisions over a websocket connection
func (h *Handlers) StreamDecisions(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := &DecisionSubscriber{
		Channel: make(chan model.Decision, 100),
		Filter: DecisionFilter{
			Kind:     r.URL.Query().Get("kind"),
			ClientID: r.URL.Query().Get("client"),
		},
	}
	h.store.Subscribe(sub)
	defer h.store.Unsubscribe(sub)

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(map[string]string{"type": "connected", "message": "WebSocket connection established"}); err != nil {
		h.logger.Errorf("Failed to send initial message: %v", err)
		return
	}

	done := make(chan struct{})
	once := &sync.Once{}
	closeDone := func() {
		once.Do(func() {
			close(done)
		})
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		defer closeDone()
		for {
			select {
			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// read in the background to notice the client closing the connection
	go func() {
		defer closeDone()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case decision := <-sub.Channel:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(decision); err != nil {
				h.logger.Debugf("WebSocket write error: %v", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
