package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSMessage is a command sent by the client. Every command gets exactly one
// reply on the same socket; nothing is ever pushed unasked.
type WSMessage struct {
	ID     string `json:"id,omitempty"` // echoed back in the reply
	Action string `json:"action"`       // submit | abstain | cancel | state | fingerprint
	Round  int    `json:"round"`
	Target *int64 `json:"target,omitempty"`
}

type WSReply struct {
	ID          string        `json:"id,omitempty"`
	Action      string        `json:"action"`
	OK          bool          `json:"ok"`
	Toast       *Toast        `json:"toast,omitempty"`
	Outcome     *RoundOutcome `json:"outcome,omitempty"`
	State       *GameView     `json:"state,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
}

// Client represents a websocket connection with player info
type Client struct {
	conn     *websocket.Conn
	gameID   string
	playerID int64
	writeMu  sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

func (c *Client) send(reply WSReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	LogWSMessage("OUT", c.playerID, string(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks open sockets so they can be counted and closed on shutdown.
type Hub struct {
	clients    map[*websocket.Conn]*Client
	register   chan *Client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func newHub() *Hub {
	h := &Hub{
		clients:    make(map[*websocket.Conn]*Client),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn, 64),
		done:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// stop closes every connection and waits for the hub goroutine to exit.
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Msgf("WebSocket client connected (player %d, game %s). Total: %d", client.playerID, client.gameID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Msgf("WebSocket client disconnected. Total: %d", total)
		}
	}
}

// join hands a client to the hub. It reports false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	gameID, playerID, err := s.actor(r)
	if err != nil {
		DebugLog("handleWebSocket", "Rejected WebSocket connection to game %s: %v", gameID, err)
		writeError(w, "handleWebSocket", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msgf("WebSocket upgrade failed for player %d", playerID)
		return
	}

	client := &Client{conn: conn, gameID: gameID, playerID: playerID}
	if !s.hub.join(client) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.leave(conn)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			LogWSMessage("IN", playerID, string(message))
			if err := client.send(s.handleWSMessage(client, message)); err != nil {
				log.Warn().Err(err).Msgf("WebSocket write error to player %d", playerID)
				return
			}
		}
	}()
}

func (s *Server) handleWSMessage(client *Client, message []byte) WSReply {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return WSReply{Action: "invalid", Toast: toastFor(errBadRequest)}
	}
	reply := WSReply{ID: msg.ID, Action: msg.Action}
	ctx := s.ctx

	var err error
	switch msg.Action {
	case "submit":
		if msg.Target == nil {
			err = errBadRequest
			break
		}
		var outcome *RoundOutcome
		outcome, err = s.submit(ctx, client.gameID, client.playerID, msg.Round, msg.Target)
		reply.Outcome = publicOutcome(outcome)
	case "abstain":
		var outcome *RoundOutcome
		outcome, err = s.submit(ctx, client.gameID, client.playerID, msg.Round, nil)
		reply.Outcome = publicOutcome(outcome)
	case "cancel":
		err = s.engine.CancelAction(ctx, client.gameID, client.playerID, msg.Round)
	case "state":
		reply.State, err = s.engine.ReadState(ctx, client.gameID, client.playerID)
	case "fingerprint":
		reply.Fingerprint, err = s.engine.Fingerprint(ctx, client.gameID)
	default:
		err = fmt.Errorf("%w: unknown action %q", errBadRequest, msg.Action)
		log.Warn().Msgf("Unknown action %q from player %d in game %s", msg.Action, client.playerID, client.gameID)
	}

	reply.OK = err == nil || isWarning(err)
	if err != nil && statusFor(err) >= 500 {
		logError("handleWSMessage: "+msg.Action, err)
	}
	reply.Toast = toastFor(err)
	return reply
}
