package mockprovider

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// Server is the mock FluidStack API server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
	apiKey string
}

// ServerOption configures the mock server
type ServerOption func(*Server)

// WithAPIKey requires requests to carry this exact api-key header
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new mock provider server
func NewServer(state *State, opts ...ServerOption) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/instances", s.handleTestSeed)

	api := s.router.Group("/", s.requireAPIKey)
	api.GET("/instances", s.handleListInstances)
	api.POST("/instances", s.handleCreateInstance)
	api.PUT("/instances/:id/start", s.handleStartInstance)
	api.PUT("/instances/:id/stop", s.handleStopInstance)
	api.GET("/ssh_keys", s.handleListSSHKeys)
	api.POST("/ssh_keys", s.handleCreateSSHKey)
}

func (s *Server) requireAPIKey(c *gin.Context) {
	key := c.GetHeader("api-key")
	if key == "" || (s.apiKey != "" && key != s.apiKey) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid api key"})
		return
	}
	c.Next()
}

// writeError renders a State error with the FluidStack error body shape
func (s *Server) writeError(c *gin.Context, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.StatusCode, gin.H{"detail": apiErr.Message})
		return
	}
	s.logger.Error("unexpected mock provider error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.state.ListInstances()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

// CreateInstanceRequest matches the FluidStack create instance request
type CreateInstanceRequest struct {
	Name                 string `json:"name" binding:"required"`
	GPUType              string `json:"gpu_type" binding:"required"`
	GPUCount             int    `json:"gpu_count"`
	SSHKey               string `json:"ssh_key" binding:"required"`
	OperatingSystemLabel string `json:"operating_system_label"`
}

func (s *Server) handleCreateInstance(c *gin.Context) {
	var req CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.GPUCount == 0 {
		req.GPUCount = 1
	}

	inst, err := s.state.CreateInstance(req.Name, req.GPUType, req.GPUCount, req.SSHKey, req.OperatingSystemLabel)
	if err != nil {
		s.logger.Warn("failed to create instance", "error", err, "name", req.Name)
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) handleStartInstance(c *gin.Context) {
	if err := s.state.StartInstance(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusStarting)})
}

func (s *Server) handleStopInstance(c *gin.Context) {
	if err := s.state.StopInstance(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusStopping)})
}

// SSHKeyRequest matches the FluidStack ssh key body
type SSHKeyRequest struct {
	Name      string `json:"name" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

func (s *Server) handleListSSHKeys(c *gin.Context) {
	keys := s.state.ListSSHKeys()
	out := make([]SSHKeyRequest, 0, len(keys))
	for name, pub := range keys {
		out = append(out, SSHKeyRequest{Name: name, PublicKey: pub})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSSHKey(c *gin.Context) {
	var req SSHKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if err := s.state.AddSSHKey(req.Name, req.PublicKey); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-fluidstack-provider",
	})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the configuration for test behavior
type TestConfig struct {
	TransitionDelayMs int    `json:"transition_delay_ms"`
	FailOperation     string `json:"fail_operation"`
	FailCount         int    `json:"fail_count"`
	FailStatus        int    `json:"fail_status"`
	FailMsg           string `json:"fail_msg"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.SetTransitionDelay(time.Duration(config.TransitionDelayMs) * time.Millisecond)
	if config.FailOperation != "" {
		status := config.FailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		s.state.FailNext(config.FailOperation, config.FailCount, status, config.FailMsg)
	}

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// TestSeedRequest seeds an instance in a given status
type TestSeedRequest struct {
	Name   string         `json:"name" binding:"required"`
	Status InstanceStatus `json:"status"`
}

func (s *Server) handleTestSeed(c *gin.Context) {
	var req TestSeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == "" {
		req.Status = StatusStopped
	}

	inst := s.state.AddInstance(req.Name, req.Status)
	c.JSON(http.StatusOK, inst)
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock provider server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
