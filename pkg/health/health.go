// Package health tracks the health of the media cache's components and
// derives an overall state for the /health endpoint.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediacache/mediacache/pkg/errors"
)

// HealthState represents the health of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component works but some operations fail
	StateDegraded

	// StateReadOnly indicates cached data can be read but nothing new can be persisted
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorCode     string      `json:"last_error_code,omitempty"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval for periodic checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// Tracker tracks the health of multiple components
type Tracker struct {
	config TrackerConfig
	logger *zap.Logger

	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checks     map[string]CheckFunc
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		config:     config,
		logger:     logger.Named("health"),
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]CheckFunc),
	}
}

// RegisterComponent registers a component. check may be nil for components
// that only report through RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
	if check != nil {
		t.checks[name] = check
	}
}

// RecordSuccess records a successful operation. A single success clears the
// error streak and restores a healthy state.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	oldState := h.State
	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors = 0
	if h.State != StateHealthy {
		t.transitionLocked(h, StateHealthy)
	}
	t.mu.Unlock()

	if oldState != StateHealthy {
		t.notify(component, oldState, StateHealthy, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := h.State
	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorCode = string(errors.CodeOf(err))
		h.LastErrorMessage = err.Error()
	}

	newState := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold && isWriteError(err):
		newState = StateReadOnly
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		newState = StateDegraded
	}
	if newState != oldState {
		t.transitionLocked(h, newState)
	}
	t.mu.Unlock()

	if newState != oldState {
		t.notify(component, oldState, newState, err)
	}
}

// GetState returns the current state of a component. Unknown components are
// reported unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of one component's health
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns copies of every component's health, sorted by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// CanWrite reports whether a component accepts writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for state transitions
func (t *Tracker) AddStateChangeCallback(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// must be called with t.mu held
func (t *Tracker) transitionLocked(h *ComponentHealth, newState HealthState) {
	h.State = newState
	h.LastStateChange = time.Now()
	if newState == StateHealthy {
		h.LastErrorCode = ""
		h.LastErrorMessage = ""
	}
}

func (t *Tracker) notify(component string, oldState, newState HealthState, err error) {
	fields := []zap.Field{
		zap.String("component", component),
		zap.Stringer("from", oldState),
		zap.Stringer("to", newState),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if newState == StateHealthy {
		t.logger.Info("component recovered", fields...)
	} else {
		t.logger.Warn("component health changed", fields...)
	}

	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.callbacks...)
	t.mu.RUnlock()
	for _, cb := range callbacks {
		cb(component, oldState, newState, err)
	}
}

// isWriteError reports failures that stop persistence but leave cached reads working
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeStorageWrite, errors.ErrCodeQuotaExceeded:
		return true
	}
	return false
}

// CheckNow runs every registered check once.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	names := make([]string, 0, len(t.checks))
	for name := range t.checks {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		t.mu.RLock()
		check := t.checks[name]
		t.mu.RUnlock()

		if err := check(ctx); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// StartHealthChecks runs the registered checks every HealthCheckInterval
// until ctx is done. It blocks.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx)
		}
	}
}
