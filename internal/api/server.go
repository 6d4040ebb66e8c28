package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/execution"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// Executor 无状态结算入口（未被跟踪的订单）
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// Settler 被跟踪订单的结算入口，结果会回写到状态机
type Settler interface {
	Settle(ctx context.Context, snapshot *domain.Order) (*execution.Result, error)
}

// PriceSource /api/prices 使用的行情来源，第二个返回值表示是否为兜底价格
type PriceSource interface {
	PricesOrFallback(ctx context.Context, ids []string) (map[string]map[string]float64, bool)
}

type Deps struct {
	Tracker  *orders.Tracker
	Guard    *execution.LeaseGuard
	Executor Executor
	Settler  Settler
	Prices   PriceSource
	Hub      *Hub
}

type Options struct {
	Listen      string
	CORSOrigins []string
	// ExecTimeout 单次 /api/execute-order 的上限，0 表示不限制
	ExecTimeout time.Duration
}

// Server keeper HTTP 接口
type Server struct {
	opts Options
	deps Deps
	srv  *http.Server
}

func NewServer(opts Options, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{opts: opts, deps: deps}
}

// Handler 路由（含 CORS），测试直接使用
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := r.Group("/api")
	{
		api.POST("/execute-order", s.executeOrder)
		api.GET("/orders", s.listOrders)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders", s.addOrder)
		api.DELETE("/orders", s.clearOrders)
		api.GET("/prices", s.prices)
	}
	r.GET("/ws", func(c *gin.Context) { s.deps.Hub.ServeWS(c.Writer, c.Request, s.snapshot()) })

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
	}).Handler(r)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	if s.opts.Listen == "" {
		return errors.New("api listen address is empty")
	}
	s.srv = &http.Server{Addr: s.opts.Listen, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("🌐 API 已启动: %s", s.opts.Listen)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API 服务异常退出: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) executeOrder(c *gin.Context) {
	var req execution.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	log := logger.WithFields(map[string]interface{}{
		"component":  "api",
		"request_id": c.GetString("request_id"),
		"order":      req.OrderID,
	})

	tracked, isTracked := s.trackedOrder(req.OrderID)
	keys := execution.SettlementKeys(req.OrderID, req.OnChainOrderID)
	if isTracked && tracked.OnChainOrderID != nil {
		keys = append(keys, execution.ChainKey(*tracked.OnChainOrderID))
	}
	if len(keys) > 0 {
		lease, err := s.deps.Guard.TryAcquireAll(keys...)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "Order is already being executed", "details": err.Error()})
			return
		}
		defer lease.Release()
	}

	ctx := c.Request.Context()
	if s.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExecTimeout)
		defer cancel()
	}

	var (
		res *execution.Result
		err error
	)
	if isTracked {
		res, err = s.deps.Settler.Settle(ctx, tracked)
	} else {
		res, err = s.deps.Executor.Execute(ctx, req)
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, execution.ErrNotExecuting):
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not executing", "details": err.Error()})
	case errors.Is(err, execution.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
	default:
		log.Errorf("执行订单失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute order", "details": execution.ShortReason(err)})
	}
}

func (s *Server) trackedOrder(id string) (*domain.Order, bool) {
	if id == "" || s.deps.Tracker == nil || s.deps.Settler == nil {
		return nil, false
	}
	return s.deps.Tracker.Get(id)
}

// orderView 订单 + 派生展示字段
type orderView struct {
	*domain.Order
	DisplayStatus domain.OrderStatus `json:"displayStatus"`
	Progress      float64            `json:"progress"`
}

func viewOf(o *domain.Order) orderView {
	return orderView{Order: o, DisplayStatus: o.DisplayStatus(), Progress: o.Progress()}
}

func (s *Server) snapshot() []orderView {
	list := s.deps.Tracker.List()
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, viewOf(o))
	}
	return out
}

func (s *Server) listOrders(c *gin.Context) {
	all := s.snapshot()
	status := domain.OrderStatus(c.Query("status"))
	if status == "" {
		c.JSON(http.StatusOK, gin.H{"orders": all})
		return
	}
	// 按展示状态过滤：failed 只存在于展示层
	out := make([]orderView, 0, len(all))
	for _, v := range all {
		if v.DisplayStatus == status {
			out = append(out, v)
		}
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) getOrder(c *gin.Context) {
	o, ok := s.deps.Tracker.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(o))
}

func (s *Server) addOrder(c *gin.Context) {
	var o domain.Order
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order", "details": err.Error()})
		return
	}
	stored, created, err := s.deps.Tracker.AddOrder(o)
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order", "details": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add order", "details": err.Error()})
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, viewOf(stored))
}

func (s *Server) clearOrders(c *gin.Context) {
	if err := s.deps.Tracker.Clear(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear orders", "details": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) prices(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	prices, fallback := s.deps.Prices.PricesOrFallback(c.Request.Context(), ids)
	if fallback {
		c.Header("X-Price-Source", "fallback")
	}
	c.JSON(http.StatusOK, prices)
}
