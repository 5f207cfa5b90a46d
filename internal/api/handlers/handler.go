package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/auth"
	"github.com/langchou/carsync/internal/models"
	"github.com/langchou/carsync/internal/repository"
	"github.com/langchou/carsync/internal/service"
	"github.com/langchou/carsync/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger     *zap.Logger
	connector  *service.Connector
	tokens     *auth.Store
	sampleRepo *repository.SampleRepository // 可选
	wsHub      *ws.Hub
	upgrader   websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	connector *service.Connector,
	tokens *auth.Store,
	sampleRepo *repository.SampleRepository,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:     logger,
		connector:  connector,
		tokens:     tokens,
		sampleRepo: sampleRepo,
		wsHub:      wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 车辆
		api.GET("/vehicles", h.ListVehicles)
		api.GET("/vehicles/:id", h.GetVehicle)
		api.GET("/vehicles/:id/telemetry", h.GetTelemetry)
		api.GET("/vehicles/:id/history", h.GetHistory)
		api.GET("/vehicles/:id/status", h.GetVehicleStatus)

		// 认证与同步
		api.POST("/auth/token", h.ProvisionToken) // 重新提供凭证
		api.POST("/sync", h.TriggerSync)          // 手动触发同步周期
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// ListVehicles 获取车辆列表
func (h *Handler) ListVehicles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.connector.Vehicles()})
}

// GetVehicle 获取车辆详情
func (h *Handler) GetVehicle(c *gin.Context) {
	vehicleID := c.Param("id")

	for _, v := range h.connector.Vehicles() {
		if v.VehicleID == vehicleID {
			c.JSON(http.StatusOK, gin.H{"data": v})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle not found"})
}

// GetTelemetry 获取车辆各属性的最新采样
func (h *Handler) GetTelemetry(c *gin.Context) {
	vehicleID := c.Param("id")

	samples := h.connector.LatestTelemetry(vehicleID)
	if len(samples) == 0 && h.sampleRepo != nil {
		// 进程内缓存为空时回源数据库（重启后首个周期前）
		var err error
		samples, err = h.sampleRepo.LatestSamples(c.Request.Context(), vehicleID)
		if err != nil {
			h.logger.Error("Failed to load latest samples", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load telemetry"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"data": samples})
}

// GetHistory 获取车辆历史采样
// 可选参数: attribute, since (RFC3339), limit
func (h *Handler) GetHistory(c *gin.Context) {
	if h.sampleRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "History storage not configured"})
		return
	}

	vehicleID := c.Param("id")
	attribute := models.AttributeKind(c.Query("attribute"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since timestamp"})
			return
		}
		since = parsed
	}

	samples, err := h.sampleRepo.ListSamples(c.Request.Context(), vehicleID, attribute, since, limit)
	if err != nil {
		h.logger.Error("Failed to list samples", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list samples"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": samples})
}

// GetVehicleStatus 获取车辆轮询状态
func (h *Handler) GetVehicleStatus(c *gin.Context) {
	vehicleID := c.Param("id")

	statuses := h.connector.Statuses()
	status, ok := statuses[vehicleID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Vehicle status not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

// provisionRequest 重新提供凭证的请求体
type provisionRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int    `json:"expires_in"`
}

// ProvisionToken 重新提供凭证
// POST /api/auth/token
// 令牌进入 unauthorized 终态后恢复轮询的唯一途径
func (h *Handler) ProvisionToken(c *gin.Context) {
	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "access_token and refresh_token are required"})
		return
	}

	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 7200
	}
	token := &smartcar.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresIn:    expiresIn,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	h.tokens.SetToken(token)

	h.logger.Info("Credentials re-provisioned via API")
	c.JSON(http.StatusOK, gin.H{"message": "Token provisioned"})
}

// TriggerSync 手动触发一次同步周期
// POST /api/sync
func (h *Handler) TriggerSync(c *gin.Context) {
	h.connector.TriggerSync()
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

// HandleWebSocket WebSocket 处理
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
	health := h.connector.Health()

	code := http.StatusOK
	if health.Status == service.HealthUnauthorized {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      health.Status,
		"vehicles":    health.VehicleCount,
		"token_state": h.tokens.State(),
		"ws_clients":  h.wsHub.ClientCount(),
	})
}
