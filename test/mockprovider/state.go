package mockprovider

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// InstanceStatus represents the status of a mock instance
type InstanceStatus string

const (
	StatusPending  InstanceStatus = "pending"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
)

// Operation names used for failure injection and call counting
const (
	OpList   = "list"
	OpCreate = "create"
	OpStart  = "start"
	OpStop   = "stop"
)

// Instance represents a mock GPU instance
type Instance struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Status               InstanceStatus `json:"status"`
	GPUType              string         `json:"gpu_type"`
	GPUCount             int            `json:"gpu_count"`
	SSHKey               string         `json:"ssh_key"`
	OperatingSystemLabel string         `json:"operating_system_label,omitempty"`
	IPAddress            string         `json:"ip_address,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// APIError is returned by State operations and carries the HTTP status the
// server should respond with
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

type failure struct {
	remaining  int
	statusCode int
	message    string
}

// State manages the in-memory state for the mock provider
type State struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	order     []string
	keys      map[string]string
	nextID    int

	// Configuration for testing
	transitionDelay time.Duration
	failures        map[string]*failure
	calls           map[string]int
}

// NewState creates a new mock provider state
func NewState() *State {
	return &State{
		instances: make(map[string]*Instance),
		keys:      make(map[string]string),
		nextID:    1000,
		failures:  make(map[string]*failure),
		calls:     make(map[string]int),
	}
}

// ListInstances returns all instances in creation order
func (s *State) ListInstances() ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[OpList]++
	if err := s.injectedFailureLocked(OpList); err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(s.order))
	for _, id := range s.order {
		instances = append(instances, *s.instances[id])
	}
	return instances, nil
}

// CreateInstance provisions a new instance that becomes running after the transition delay
func (s *State) CreateInstance(name, gpuType string, gpuCount int, sshKey, osLabel string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[OpCreate]++
	if err := s.injectedFailureLocked(OpCreate); err != nil {
		return nil, err
	}

	for _, inst := range s.instances {
		if inst.Name == name {
			return nil, &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("instance name already in use: %s", name)}
		}
	}
	if _, ok := s.keys[sshKey]; !ok && len(s.keys) > 0 {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("unknown ssh key: %s", sshKey)}
	}

	inst := s.addLocked(name, StatusPending)
	inst.GPUType = gpuType
	inst.GPUCount = gpuCount
	inst.SSHKey = sshKey
	inst.OperatingSystemLabel = osLabel
	s.scheduleLocked(inst.ID, StatusPending, StatusRunning)

	copy := *inst
	return &copy, nil
}

// StartInstance moves a stopped instance through starting to running
func (s *State) StartInstance(id string) error {
	return s.transition(OpStart, id, StatusStopped, StatusStarting, StatusRunning)
}

// StopInstance moves a running instance through stopping to stopped
func (s *State) StopInstance(id string) error {
	return s.transition(OpStop, id, StatusRunning, StatusStopping, StatusStopped)
}

func (s *State) transition(op, id string, from, via, to InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[op]++
	if err := s.injectedFailureLocked(op); err != nil {
		return err
	}

	inst, ok := s.instances[id]
	if !ok {
		return &APIError{StatusCode: http.StatusNotFound, Message: fmt.Sprintf("instance not found: %s", id)}
	}
	if inst.Status != from {
		return &APIError{StatusCode: http.StatusConflict, Message: fmt.Sprintf("cannot %s instance in status %s", op, inst.Status)}
	}

	inst.Status = via
	s.scheduleLocked(id, via, to)
	return nil
}

// scheduleLocked completes a transition after the configured delay. With no
// delay the transition completes before the request returns.
func (s *State) scheduleLocked(id string, via, to InstanceStatus) {
	if s.transitionDelay <= 0 {
		s.instances[id].Status = to
		return
	}
	time.AfterFunc(s.transitionDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if inst, ok := s.instances[id]; ok && inst.Status == via {
			inst.Status = to
		}
	})
}

func (s *State) injectedFailureLocked(op string) error {
	f, ok := s.failures[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return &APIError{StatusCode: f.statusCode, Message: f.message}
}

func (s *State) addLocked(name string, status InstanceStatus) *Instance {
	id := fmt.Sprintf("%d", s.nextID)
	s.nextID++

	inst := &Instance{
		ID:        id,
		Name:      name,
		Status:    status,
		GPUType:   "A100_PCIE_80GB",
		GPUCount:  1,
		IPAddress: fmt.Sprintf("10.0.0.%d", s.nextID%250+1),
		CreatedAt: time.Now().UTC(),
	}
	s.instances[id] = inst
	s.order = append(s.order, id)
	return inst
}

// AddInstance seeds an instance directly, bypassing create
func (s *State) AddInstance(name string, status InstanceStatus) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *s.addLocked(name, status)
	return &copy
}

// SetStatus overrides an instance status, simulating an external change
func (s *State) SetStatus(id string, status InstanceStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if ok {
		inst.Status = status
	}
	return ok
}

// GetInstance returns an instance by ID
func (s *State) GetInstance(id string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	copy := *inst
	return &copy, true
}

// ListSSHKeys returns stored keys
func (s *State) ListSSHKeys() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make(map[string]string, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	return keys
}

// AddSSHKey stores a public key under name
func (s *State) AddSSHKey(name, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[name]; ok {
		return &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("ssh key already exists: %s", name)}
	}
	s.keys[name] = publicKey
	return nil
}

// SetTransitionDelay sets how long start/stop/create take to settle
func (s *State) SetTransitionDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionDelay = d
}

// FailNext makes the next n calls of op fail with statusCode
func (s *State) FailNext(op string, n, statusCode int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		msg = fmt.Sprintf("simulated %s failure", op)
	}
	s.failures[op] = &failure{remaining: n, statusCode: statusCode, message: msg}
}

// Calls returns how many times op was invoked, including injected failures
func (s *State) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// Reset clears all instances, keys and test configuration
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = make(map[string]*Instance)
	s.order = nil
	s.keys = make(map[string]string)
	s.nextID = 1000
	s.transitionDelay = 0
	s.failures = make(map[string]*failure)
	s.calls = make(map[string]int)
}
