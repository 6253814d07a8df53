package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// errorBody is the structured failure envelope for every API error.
type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Server is the orchestrator's HTTP surface: the agent-facing node routes
// and the user-facing VM routes.
type Server struct {
	store    *store.StateStore
	registry *nodes.Registry
	commands *nodes.CommandQueue
	engine   *obligation.Engine
	logger   zerolog.Logger

	httpServer *http.Server

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewServer wires the HTTP server.
func NewServer(st *store.StateStore, registry *nodes.Registry, commands *nodes.CommandQueue, engine *obligation.Engine) *Server {
	return &Server{
		store:    st,
		registry: registry,
		commands: commands,
		engine:   engine,
		logger:   log.WithComponent("api"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/nodes/register", s.handleRegister)
		api.POST("/nodes/:nodeId/heartbeat", s.rateLimitNode(), s.handleHeartbeat)
		api.POST("/nodes/:nodeId/commands/:commandId/ack", s.handleAck)

		api.POST("/vms", s.handleCreateVM)
		api.GET("/vms", s.handleListVMs)
		api.GET("/vms/:id", s.handleGetVM)
		api.DELETE("/vms/:id", s.handleDeleteVM)
		api.POST("/vms/:id/stop", s.handleStopVM)
		api.POST("/vms/:id/start", s.handleStartVM)
		api.GET("/vms/:id/usage", s.handleVMUsage)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// observe records per-route request metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// rateLimitNode bounds per-node heartbeat pressure: sustained one per
// second with a small burst.
func (s *Server) rateLimitNode() gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("nodeId")
		s.limiterMu.Lock()
		lim, ok := s.limiters[nodeID]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(1), 5)
			s.limiters[nodeID] = lim
		}
		s.limiterMu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
				Code:    "rate_limited",
				Message: "too many heartbeats",
			})
			return
		}
		c.Next()
	}
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, errorBody{Code: "validation", Message: err.Error()})
	case errors.Is(err, types.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: err.Error()})
	case errors.Is(err, types.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()})
	case errors.Is(err, types.ErrConflict):
		c.JSON(http.StatusConflict, errorBody{Code: "conflict", Message: err.Error()})
	case errors.Is(err, types.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, errorBody{Code: "insufficient_funds", Message: err.Error()})
	case errors.Is(err, types.ErrNoCapacity):
		c.JSON(http.StatusServiceUnavailable, errorBody{Code: "no_capacity", Message: err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal error"})
	}
}

// --- agent-facing routes ---

func (s *Server) handleRegister(c *gin.Context) {
	var req nodes.NodeRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, types.ErrValidation)
		return
	}
	resp, err := s.registry.Register(&req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	nodeID := c.Param("nodeId")

	node, err := s.store.GetNode(nodeID)
	if err != nil {
		s.fail(c, err)
		return
	}

	sig := c.GetHeader("X-Signature")
	ts := c.GetHeader("X-Timestamp")
	if err := s.registry.AuthenticateHeartbeat(node, sig, ts, c.Request.URL.Path); err != nil {
		s.fail(c, err)
		return
	}

	var hb nodes.NodeHeartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		s.fail(c, types.ErrValidation)
		return
	}
	hb.NodeID = nodeID

	resp, err := s.registry.HandleHeartbeat(nodeID, &hb)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAck(c *gin.Context) {
	var ack types.CommandAcknowledgment
	if err := c.ShouldBindJSON(&ack); err != nil {
		s.fail(c, types.ErrValidation)
		return
	}
	ack.CommandID = c.Param("commandId")
	// Replays and unknown commands are absorbed; the agent gets a 200
	// either way so it stops resending.
	s.commands.HandleAck(&ack)
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// --- user-facing routes ---

// CreateVMRequest is the user VM creation body.
type CreateVMRequest struct {
	Name       string       `json:"name"`
	Spec       types.VMSpec `json:"spec"`
	TemplateID string       `json:"templateId,omitempty"`
}

func (s *Server) handleCreateVM(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		s.fail(c, types.ErrUnauthorized)
		return
	}

	var req CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, types.ErrValidation)
		return
	}
	if req.Name == "" || req.Spec.VirtualCPUCores <= 0 || req.Spec.MemoryBytes <= 0 {
		s.fail(c, types.ErrValidation)
		return
	}

	now := time.Now().UTC()
	vm := &types.VirtualMachine{
		ID:         uuid.New().String(),
		Name:       req.Name,
		OwnerID:    ownerID,
		Spec:       req.Spec,
		TemplateID: req.TemplateID,
		Status:     types.VMStatusPending,
		PowerState: types.PowerStateOff,
		CreatedAt:  now,
	}
	if err := s.store.SaveVM(vm); err != nil {
		s.fail(c, err)
		return
	}

	s.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationVMSchedule,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     10,
		Deadline:     now.Add(10 * time.Minute),
	})

	c.JSON(http.StatusCreated, vm)
}

func (s *Server) handleGetVM(c *gin.Context) {
	vm, err := s.store.GetVM(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}

func (s *Server) handleListVMs(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		s.fail(c, types.ErrUnauthorized)
		return
	}
	vms, err := s.store.GetVMsByOwner(ownerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vms": vms})
}

func (s *Server) handleDeleteVM(c *gin.Context) {
	vm, err := s.store.GetVM(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationVMDelete,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     9,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "deleting"})
}

func (s *Server) handleStopVM(c *gin.Context) {
	vm, err := s.store.GetVM(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if vm.Status != types.VMStatusRunning && vm.Status != types.VMStatusProvisioning {
		s.fail(c, types.ErrConflict)
		return
	}
	s.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationVMStop,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     9,
		Data:         map[string]string{"reason": "user requested stop"},
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func (s *Server) handleStartVM(c *gin.Context) {
	vm, err := s.store.GetVM(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if vm.Status != types.VMStatusStopped {
		s.fail(c, types.ErrConflict)
		return
	}

	// Restart goes back through placement: capacity may have moved while
	// the VM was stopped.
	vm.Status = types.VMStatusPending
	vm.NodeID = ""
	vm.ComputePointCost = 0
	vm.StatusMessage = ""
	if err := s.store.SaveVM(vm); err != nil {
		s.fail(c, err)
		return
	}
	s.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationVMSchedule,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     10,
		Deadline:     time.Now().UTC().Add(10 * time.Minute),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "starting"})
}

func (s *Server) handleVMUsage(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		s.fail(c, types.ErrUnauthorized)
		return
	}
	records, err := s.store.GetUsageHistory(ownerID, 100)
	if err != nil {
		s.fail(c, err)
		return
	}
	vmID := c.Param("id")
	var filtered []*types.UsageRecord
	for _, r := range records {
		if r.VMID == vmID {
			filtered = append(filtered, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"usage": filtered})
}
