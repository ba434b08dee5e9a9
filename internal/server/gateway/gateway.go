// Package gateway terminates client WebSocket connections: it authenticates
// each connection against the token oracle, binds it to the identity's
// delivery channel, and routes socket events to the relay and the presence
// tracker. It also carries the small HTTP auth surface (register, login,
// key upload).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/chakresh/securechat/internal/logging"
	"github.com/chakresh/securechat/internal/server/auth"
	"github.com/chakresh/securechat/internal/server/messages"
	"github.com/chakresh/securechat/internal/server/presence"
	"github.com/chakresh/securechat/internal/server/relay"
	"github.com/chakresh/securechat/internal/server/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BlobStore issues presigned URLs for encrypted file bodies so they bypass
// the relay entirely.
type BlobStore interface {
	PresignPut(ctx context.Context) (fileID, url string, err error)
	PresignGet(ctx context.Context, fileID string) (url string, err error)
}

type Gateway struct {
	hub      *Hub
	tracker  *presence.Tracker
	relay    *relay.Relay
	accounts *users.Service
	blobs    BlobStore
	secret   []byte
	logger   logging.Logger
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, tracker *presence.Tracker, r *relay.Relay, accounts *users.Service, blobs BlobStore, jwtSecret string, logger logging.Logger) *Gateway {
	return &Gateway{
		hub:      hub,
		tracker:  tracker,
		relay:    r,
		accounts: accounts,
		blobs:    blobs,
		secret:   []byte(jwtSecret),
		logger:   logger.With("module", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser clients connect from arbitrary origins; the bearer
			// token is the actual gate
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes wires the gateway's endpoints onto a fresh mux.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/api/auth/register", g.HandleRegister)
	mux.HandleFunc("/api/auth/login", g.HandleLogin)
	mux.HandleFunc("/api/auth/uploadKey", g.HandleUploadKey)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

// bearerToken extracts the credential from the Authorization header or,
// failing that, the token query parameter (browser WebSocket clients cannot
// always set headers).
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeWS authenticates and upgrades an inbound connection, then serves its
// event loop until disconnect. A missing or invalid credential refuses the
// connection before the upgrade.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := auth.VerifyToken(token, g.secret)
	if err != nil {
		g.logger.Warn(ctx, "connection refused", "error", err.Error())
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(uuid.NewString(), id.UserID, ws)
	g.hub.add(c)
	go c.writePump()

	g.logger.Info(ctx, "user connected", "userId", id.UserID, "connId", c.id)
	g.tracker.Register(id.UserID, c.id)

	g.readLoop(ctx, c)

	// disconnect: unregister first so the presence broadcast no longer
	// counts this connection, then detach it from delivery
	g.tracker.Unregister(c.userID, c.id)
	g.hub.remove(c)
	g.logger.Info(ctx, "user disconnected", "userId", c.userID, "connId", c.id)
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Warn(ctx, "unparseable frame dropped", "userId", c.userID)
			continue
		}

		g.dispatch(ctx, c, env.Event, env.Data)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, event string, data json.RawMessage) {
	switch event {

	case evtSendMessage:
		var in relay.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			return
		}
		if _, err := g.relay.Send(ctx, c.userID, in); err != nil {
			if rej, ok := relay.AsRejection(err); ok {
				c.enqueue(Envelope{Event: evtErrorSending, Data: rej})
			}
		}

	case evtMarkRead:
		var req markReadRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		if err := g.relay.MarkRead(ctx, c.userID, req.OtherID, req.GroupID); err != nil {
			g.logger.Error(ctx, "failed to mark as read", "userId", c.userID, "error", err.Error())
		}

	case evtCapabilities:
		var caps presence.Capability
		if err := json.Unmarshal(data, &caps); err != nil {
			return
		}
		g.tracker.SetCapability(c.userID, caps)

	case evtJoinGroup:
		var req groupRequest
		if err := json.Unmarshal(data, &req); err != nil || req.GroupID == "" {
			return
		}
		g.hub.join(c, req.GroupID)

	case evtLeaveGroup:
		var req groupRequest
		if err := json.Unmarshal(data, &req); err != nil || req.GroupID == "" {
			return
		}
		g.hub.leave(c, req.GroupID)

	case evtHistory:
		var req historyRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		msgs, err := g.relay.History(ctx, c.userID, req.OtherID, req.GroupID, req.Limit)
		if err != nil {
			g.logger.Error(ctx, "history fetch failed", "userId", c.userID, "error", err.Error())
			return
		}
		if msgs == nil {
			msgs = []*messages.Message{}
		}
		c.enqueue(Envelope{Event: evtHistory, Data: historyResponse{
			OtherID:  req.OtherID,
			GroupID:  req.GroupID,
			Messages: msgs,
		}})

	case evtFileUpload:
		c.enqueue(Envelope{Event: evtFileUpload, Data: g.presignUpload(ctx)})

	case evtFileDownload:
		var req fileDownloadRequest
		if err := json.Unmarshal(data, &req); err != nil || req.FileID == "" {
			return
		}
		c.enqueue(Envelope{Event: evtFileDownload, Data: g.presignDownload(ctx, req.FileID)})

	default:
		g.logger.Warn(ctx, "unknown event dropped", "event", event, "userId", c.userID)
	}
}

func (g *Gateway) presignUpload(ctx context.Context) fileUploadResponse {
	if g.blobs == nil {
		return fileUploadResponse{Error: "file storage not configured"}
	}
	fileID, url, err := g.blobs.PresignPut(ctx)
	if err != nil {
		g.logger.Error(ctx, "presign upload failed", "error", err.Error())
		return fileUploadResponse{Error: "upload failed"}
	}
	return fileUploadResponse{FileID: fileID, URL: url}
}

func (g *Gateway) presignDownload(ctx context.Context, fileID string) fileUploadResponse {
	if g.blobs == nil {
		return fileUploadResponse{Error: "file storage not configured"}
	}
	url, err := g.blobs.PresignGet(ctx, fileID)
	if err != nil {
		g.logger.Error(ctx, "presign download failed", "fileId", fileID, "error", err.Error())
		return fileUploadResponse{Error: "download failed"}
	}
	return fileUploadResponse{FileID: fileID, URL: url}
}
