package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"citizen-report-coordinator/pkg/security"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway serves live subscriptions for authenticated users.
type Gateway struct {
	hub    *Hub
	secret []byte
	log    *logrus.Entry
}

func NewGateway(hub *Hub, jwtSecret []byte, log *logrus.Entry) *Gateway {
	return &Gateway{hub: hub, secret: jwtSecret, log: log}
}

func (g *Gateway) Routes(r chi.Router) {
	r.Get("/ws", g.ServeWS)
	r.Get("/subscribe", g.ServeSSE)
	r.Get("/notifications/subscribe", g.ServeSSE)
}

// authenticate accepts the token as ?token= (browsers cannot set headers on
// EventSource) or as a Bearer header.
func (g *Gateway) authenticate(r *http.Request) (*security.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return nil, fmt.Errorf("missing token")
	}
	return security.ParseToken(g.secret, token)
}

func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := g.hub.Register(claims.UserID, sendBuffer)
	defer g.hub.Unregister(client)
	log := g.log.WithField("user_id", claims.UserID)
	log.Debug("sse client connected")

	if err := writeSSE(w, Message{Kind: KindConnected, UserID: claims.UserID, At: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("sse client disconnected")
			return
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				log.WithError(err).Debug("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := g.hub.Register(claims.UserID, sendBuffer)
	defer g.hub.Unregister(client)
	log := g.log.WithField("user_id", claims.UserID)

	// The read loop only watches for the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("websocket read error")
				}
				return
			}
		}
	}()

	if err := writeWS(conn, Message{Kind: KindConnected, UserID: claims.UserID, At: time.Now().UTC()}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			if err := writeWS(conn, msg); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
