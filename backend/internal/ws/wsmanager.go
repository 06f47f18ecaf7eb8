package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
)

var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// 允许本地开发环境的来源；没有 Origin（非浏览器客户端）或为 "null" 时放行
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

type Manager struct {
	h       *Hub
	svc     Service
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewManager(h *Hub, svc Service, log zerolog.Logger, mt *metrics.Metrics) *Manager {
	return &Manager{h: h, svc: svc, log: log, metrics: mt}
}

// WebSocketConnect 需要鉴权中间件先写入 userId/username。
// 可选 query：clientId 标识标签页，docId 连接后直接加入文档。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing user"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}
	m.metrics.WSConnected()
	defer m.metrics.WSDisconnected()

	wsConn := NewConn(conn, m.h, m.svc, userID, username, m.log)
	if clientID := c.Query("clientId"); clientID != "" {
		wsConn.setClientID(clientID)
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeWelcome, UserID: userID, Content: "connected"})

	ctx := c.Request.Context()
	if docID := c.Query("docId"); docID != "" {
		wsConn.handleJoinDocument(ctx, ClientMessage{Type: TypeJoinDocument, DocID: docID})
	}
	// 读循环阻塞至连接关闭
	wsConn.readLoop(ctx)
}
