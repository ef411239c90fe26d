package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/langchou/csms/internal/models"
	"github.com/langchou/csms/internal/ocpp"
	"github.com/langchou/csms/internal/repository"
	"github.com/langchou/csms/internal/service"
	"github.com/langchou/csms/internal/session"
	"github.com/langchou/csms/pkg/ws"
)

const (
	defaultPerPage = 5
	maxPerPage     = 100
	callTimeout    = 60 * time.Second
)

// Reader 查询接口使用的只读操作
type Reader interface {
	GetChargePoint(ctx context.Context, id string) (*models.ChargePoint, error)
	ListChargePoints(ctx context.Context) ([]*models.ChargePointSummary, error)
	ListConnectors(ctx context.Context, chargePointID string) ([]*models.Connector, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*models.Transaction, error)
	CountTransactions(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// CentralSystem 活跃会话
type CentralSystem interface {
	Sessions() []session.Info
	Call(ctx context.Context, chargePointID, action string, payload interface{}) (json.RawMessage, error)
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	store    Reader
	central  CentralSystem
	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(logger *zap.Logger, store Reader, central CentralSystem, wsHub *ws.Hub) *Handler {
	return &Handler{
		logger:  logger,
		store:   store,
		central: central,
		wsHub:   wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由，middleware 作用于 /api 分组
func (h *Handler) RegisterRoutes(r *gin.Engine, middleware ...gin.HandlerFunc) {
	// API 路由
	api := r.Group("/api", middleware...)
	{
		// 充电桩
		api.GET("/charge-points", h.ListChargePoints)
		api.GET("/charge-points/:id", h.GetChargePoint)
		api.GET("/charge-points/:id/connectors", h.ListConnectors)
		api.POST("/charge-points/:id/call", h.SendCall)

		// 交易
		api.GET("/transactions", h.ListTransactions)

		// 会话
		api.GET("/sessions", h.ListSessions)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ListChargePoints 获取充电桩列表（含累计电量和连接器）
func (h *Handler) ListChargePoints(c *gin.Context) {
	ctx := c.Request.Context()
	cps, err := h.store.ListChargePoints(ctx)
	if err != nil {
		h.logger.Error("Failed to list charge points", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list charge points"})
		return
	}

	for _, cp := range cps {
		connectors, err := h.store.ListConnectors(ctx, cp.ID)
		if err != nil {
			h.logger.Error("Failed to list connectors", zap.String("charge_point_id", cp.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list connectors"})
			return
		}
		cp.Connectors = nonNil(connectors)
	}

	c.JSON(http.StatusOK, gin.H{"data": nonNil(cps)})
}

// GetChargePoint 获取充电桩详情及实时会话
func (h *Handler) GetChargePoint(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	cp, err := h.store.GetChargePoint(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Charge point not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get charge point", zap.String("charge_point_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get charge point"})
		return
	}

	connectors, err := h.store.ListConnectors(ctx, id)
	if err != nil {
		h.logger.Error("Failed to list connectors", zap.String("charge_point_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list connectors"})
		return
	}

	var live *session.Info
	for _, info := range h.central.Sessions() {
		if info.ChargePointID == id {
			info := info
			live = &info
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"charge_point": cp,
			"connectors":   nonNil(connectors),
			"session":      live,
		},
	})
}

// ListConnectors 获取连接器状态
func (h *Handler) ListConnectors(c *gin.Context) {
	id := c.Param("id")
	connectors, err := h.store.ListConnectors(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list connectors", zap.String("charge_point_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list connectors"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": nonNil(connectors)})
}

// ListTransactions 分页获取交易，最新的在前
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	offset := (page - 1) * perPage

	txs, err := h.store.ListTransactions(c.Request.Context(), perPage, offset)
	if err != nil {
		h.logger.Error("Failed to list transactions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list transactions"})
		return
	}

	total, err := h.store.CountTransactions(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count transactions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count transactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": nonNil(txs),
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// ListSessions 获取活跃会话
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.central.Sessions()})
}

// CallRequest 出站调用请求体
type CallRequest struct {
	Action  string          `json:"action" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// SendCall 向充电桩发起调用
// POST /api/charge-points/:id/call
func (h *Handler) SendCall(c *gin.Context) {
	id := c.Param("id")

	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), callTimeout)
	defer cancel()

	payload, err := h.central.Call(ctx, id, req.Action, req.Payload)
	if err != nil {
		status, body := callErrorResponse(err)
		h.logger.Warn("Outbound call failed",
			zap.String("charge_point_id", id),
			zap.String("action", req.Action),
			zap.Error(err))
		c.JSON(status, body)
		return
	}

	h.logger.Info("Outbound call completed", zap.String("charge_point_id", id), zap.String("action", req.Action))
	c.JSON(http.StatusOK, gin.H{"data": payload})
}

func callErrorResponse(err error) (int, gin.H) {
	var ocppErr *ocpp.Error
	switch {
	case errors.Is(err, service.ErrNotConnected):
		return http.StatusNotFound, gin.H{"error": "Charge point not connected"}
	case errors.Is(err, session.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, gin.H{"error": "Charge point did not respond"}
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, gin.H{"error": "Session closed"}
	case errors.As(err, &ocppErr):
		return http.StatusBadGateway, gin.H{
			"error":       "Charge point returned an error",
			"code":        ocppErr.Code,
			"description": ocppErr.Description,
		}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Call failed"}
	}
}

// HandleWebSocket 仪表盘事件推送
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"sessions":   len(h.central.Sessions()),
		"ws_clients": h.wsHub.ClientCount(),
	})
}

// nonNil 让空列表编码为 [] 而不是 null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
