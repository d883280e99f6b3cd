package ws

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 4 << 10
)

// Watcher streams extension list snapshots
type Watcher interface {
	WatchInstalled(ctx context.Context) <-chan []types.Extension
	WatchEnabled(ctx context.Context) <-chan []types.Extension
}

// Message is a client request
type Message struct {
	Type   string `json:"type"`
	Filter string `json:"filter,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	watcher  Watcher
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. An empty origin list or "*"
// accepts every origin.
func NewHandler(watcher Watcher, origins []string, logger *zap.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{watcher: watcher, logger: logger, metrics: metrics}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	return h
}

// conn serializes writes from the watch and read loops
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(data)
}

func (c *conn) sendError(msg string) error {
	return c.send(gin.H{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}

// HandleConnection upgrades the request and streams snapshots until the
// client leaves
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	h.metrics.WSOpened()
	defer h.metrics.WSClosed()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	cn := &conn{ws: ws}
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.keepalive(ctx, cn)

	filter := "installed"
	if enabled, _ := strconv.ParseBool(c.Query("enabled")); enabled {
		filter = "enabled"
	}
	_ = cn.send(gin.H{"type": "system", "filter": filter, "timestamp": time.Now().Unix()})

	stop := h.subscribe(ctx, cn, filter)
	defer func() { stop() }()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			_ = cn.send(gin.H{"type": "pong", "timestamp": time.Now().Unix()})
		case "subscribe":
			if msg.Filter != "installed" && msg.Filter != "enabled" {
				_ = cn.sendError("filter must be installed or enabled")
				continue
			}
			stop()
			stop = h.subscribe(ctx, cn, msg.Filter)
		default:
			_ = cn.sendError("unknown message type")
		}
	}
}

// subscribe forwards snapshots for filter until the returned stop is called
func (h *Handler) subscribe(parent context.Context, cn *conn, filter string) func() {
	ctx, cancel := context.WithCancel(parent)
	watch := h.watcher.WatchInstalled
	if filter == "enabled" {
		watch = h.watcher.WatchEnabled
	}
	snapshots := watch(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for exts := range snapshots {
			if exts == nil {
				exts = []types.Extension{}
			}
			err := cn.send(gin.H{
				"type":       "snapshot",
				"filter":     filter,
				"extensions": exts,
				"timestamp":  time.Now().Unix(),
			})
			if err != nil {
				cancel()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (h *Handler) keepalive(ctx context.Context, cn *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
