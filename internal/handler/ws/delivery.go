package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowdlab/session-engine/internal/config"
	"github.com/crowdlab/session-engine/internal/domain/model"
	"github.com/crowdlab/session-engine/internal/domain/registry"
	wsmarshaller "github.com/crowdlab/session-engine/internal/handler/marshaller/ws"
	"github.com/crowdlab/session-engine/internal/service"
)

// registerTimeout bounds how long a socket may sit silent before its
// first frame; the first frame must be register_subject.
const registerTimeout = 30 * time.Second

const maxFrameBytes = 64 << 10

type WSHandler struct {
	logger   *slog.Logger
	engine   *service.Engine
	cfg      *config.Config
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, engine *service.Engine, cfg *config.Config) *WSHandler {
	return &WSHandler{
		logger: logger,
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // experiment pages are served cross-origin
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(maxFrameBytes)

	subjectID, err := h.awaitRegister(ws)
	if err != nil {
		h.logger.Warn("ws handshake failed", "error", err)
		return
	}

	conn := registry.NewConnector(r.Context(), subjectID, h.cfg.MailboxSize)

	// Recycle only after the write pump has exited: a pump mid-select must
	// never observe a reused connector.
	pumpDone := make(chan struct{})
	defer func() {
		<-pumpDone
		conn.Release()
	}()

	if _, err := h.engine.Register(conn); err != nil {
		if errors.Is(err, service.ErrDuplicateSubject) {
			h.writeEnvelope(ws, model.EvExclusionMessage, model.ExclusionMessagePayload{
				Reason: "already connected from another tab",
				Code:   "duplicate_subject",
			})
		}
		conn.Close()
		close(pumpDone) // pump never started
		return
	}
	defer h.engine.HandleDisconnect(conn)

	h.logger.Info("ws opened", "subject_id", subjectID, "conn_id", conn.GetID())

	// RTT sampling: pings carry a send timestamp, pongs echo it back.
	pongWait := 2 * h.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if nanos, perr := strconv.ParseInt(appData, 10, 64); perr == nil {
			conn.ObserveRTT(time.Since(time.Unix(0, nanos)))
		}
		return nil
	})

	go func() {
		defer close(pumpDone)
		h.writePump(ws, conn)
	}()

	// Read pump. Exit tears the socket down; the engine handles grace.
	for {
		_, data, rerr := ws.ReadMessage()
		if rerr != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		ev, perr := wsmarshaller.UnmarshalInbound(data)
		if perr != nil {
			h.logger.Warn("dropping bad frame", "subject_id", subjectID, "error", perr)
			continue
		}
		if ev.Event == model.EvRegisterSubject {
			// Idempotent re-register on an open socket is a no-op.
			continue
		}
		h.engine.HandleInbound(subjectID, ev.Event, ev.Payload)
	}
}

// awaitRegister reads the mandatory first frame and extracts the subject.
func (h *WSHandler) awaitRegister(ws *websocket.Conn) (model.SubjectID, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}
	ev, err := wsmarshaller.UnmarshalInbound(data)
	if err != nil {
		return "", err
	}
	if ev.Event != model.EvRegisterSubject {
		return "", errors.New("first frame must be register_subject")
	}
	var p model.RegisterSubjectPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return "", err
	}
	if p.SubjectID == "" {
		return "", errors.New("register_subject without subject_id")
	}
	return p.SubjectID, nil
}

// writePump drains the connector mailbox onto the socket and keeps the
// ping clock. A write failure closes the socket; the read pump observes
// the close and unwinds.
func (h *WSHandler) writePump(ws *websocket.Conn, conn registry.Connector) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	// Snapshot both channels up front; Recv/Done must not be re-evaluated
	// once the connection starts shutting down.
	recv := conn.Recv()
	done := conn.Done()

	for {
		select {
		case <-done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case ev := <-recv:
			data, err := wsmarshaller.MarshalOutbound(ev)
			if err != nil {
				h.logger.Error("outbound marshal failed", "event", ev.Event, "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = ws.Close()
				return
			}

		case <-ticker.C:
			stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := ws.WriteControl(websocket.PingMessage, []byte(stamp),
				time.Now().Add(h.cfg.SendTimeout)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (h *WSHandler) writeEnvelope(ws *websocket.Conn, event string, payload any) {
	data, err := wsmarshaller.MarshalOutbound(model.NewOutbound(event, payload, model.PriorityHigh))
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteMessage(websocket.TextMessage, data)
}
