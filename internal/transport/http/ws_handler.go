package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

const sendBuffer = 32

type WSHandler struct {
	service  *app.RoomService
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(service *app.RoomService, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		service: service,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type closedPayload struct {
	QuestionID string `json:"questionId"`
}

type errorPayload struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// frame is one websocket write; binary frames carry document updates.
type frame struct {
	binary bool
	data   []byte
	msg    outboundMessage
}

// ServeWS upgrades the request, attaches the caller to the room and syncs it over one socket:
// binary frames carry document updates both ways, text frames carry JSON commands.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	req, err := connectRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	ctx := context.Background()
	conn, err := h.service.Connect(ctx, req)
	if err != nil {
		h.writeError(ws, "connect", err)
		return
	}
	defer h.service.Disconnect(ctx, conn)

	snapshots, cancel, err := h.service.Subscribe(ctx, req.RoomID)
	if err != nil {
		h.writeError(ws, "subscribe", err)
		return
	}
	defer cancel()

	send := make(chan frame, sendBuffer)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	forwarders := make(chan struct{}, 3)
	expired := make(chan string, 4)

	conn.Replica.Countdown.OnExpire(func(questionID string) {
		select {
		case expired <- questionID:
		default:
		}
	})

	go func() {
		defer close(writerDone)
		for f := range send {
			if err := writeFrame(ws, f); err != nil {
				h.log.Debug("ws write failed", "room", req.RoomID, "user", req.Self.ID, "err", err)
				// keep draining so producers never block on a dead socket
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer func() { forwarders <- struct{}{} }()
		for {
			select {
			case update, ok := <-conn.Out():
				if !ok {
					return
				}
				select {
				case send <- frame{binary: true, data: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	go func() {
		defer func() { forwarders <- struct{}{} }()
		for {
			select {
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				select {
				case send <- frame{msg: outboundMessage{Type: "room", Payload: snap}}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	// the answer window is local to this replica, so clients hear about it as a notice
	go func() {
		defer func() { forwarders <- struct{}{} }()
		for {
			select {
			case id := <-expired:
				select {
				case send <- frame{msg: outboundMessage{Type: "questionClosed", Payload: closedPayload{QuestionID: id}}}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- frame{msg: outboundMessage{Type: "joined", Payload: conn.Self()}}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		switch kind {
		case websocket.BinaryMessage:
			if _, err := conn.Apply(data); err != nil {
				send <- frame{msg: errorMessage("", "update", err)}
			}
		case websocket.TextMessage:
			send <- frame{msg: h.dispatch(ctx, conn, data)}
		}
	}

	conn.Replica.Countdown.OnExpire(nil)
	close(closeSignals)
	for i := 0; i < cap(forwarders); i++ {
		<-forwarders
	}
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(ctx context.Context, conn *app.Conn, data []byte) outboundMessage {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return errorMessage("", "", errors.New("invalid message"))
	}
	cmd, ok := commands[in.Type]
	if !ok {
		return errorMessage(in.ID, in.Type, errors.New("unsupported message type"))
	}
	result, err := cmd(ctx, h, conn, in.Payload)
	if err != nil {
		h.log.Debug("command rejected", "command", in.Type, "user", conn.Self().ID, "err", err)
		return errorMessage(in.ID, in.Type, err)
	}
	return outboundMessage{Type: "ack", ID: in.ID, Payload: ack{Command: in.Type, Result: result}}
}

type ack struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

func errorMessage(id, command string, err error) outboundMessage {
	return outboundMessage{Type: "error", ID: id, Payload: errorPayload{Command: command, Message: err.Error()}}
}

func (h *WSHandler) writeError(ws *websocket.Conn, command string, err error) {
	if werr := writeFrame(ws, frame{msg: errorMessage("", command, err)}); werr != nil {
		h.log.Debug("ws write failed", "err", werr)
	}
}

func writeFrame(ws *websocket.Conn, f frame) error {
	if f.binary {
		return ws.WriteMessage(websocket.BinaryMessage, f.data)
	}
	raw, err := json.Marshal(f.msg)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, raw)
}

func connectRequest(r *http.Request) (app.ConnectRequest, error) {
	q := r.URL.Query()
	req := app.ConnectRequest{
		RoomID: q.Get("roomId"),
		Self: domain.Identity{
			ID:     q.Get("userId"),
			Name:   q.Get("name"),
			Avatar: q.Get("avatar"),
		},
	}
	if req.RoomID == "" || req.Self.ID == "" || req.Self.Name == "" {
		return req, errors.New("missing roomId, userId, or name")
	}
	if raw := q.Get("host"); raw != "" {
		host, err := strconv.ParseBool(raw)
		if err != nil {
			return req, errors.New("invalid host flag")
		}
		req.Host = host
	}
	// only decides who creates a new room; an existing room's host is its creator
	if req.Host {
		req.Initial.Name = q.Get("roomName")
		if raw := q.Get("maxPlayers"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return req, errors.New("invalid maxPlayers")
			}
			req.Initial.MaxPlayers = n
		}
	}
	return req, nil
}
