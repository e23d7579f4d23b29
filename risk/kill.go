package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// KillSwitch disables all execution globally. Consulted by the signal
// router and the execution service; in-flight signals are rejected with
// reason "kill_switch".
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	reason      string
	activatedAt time.Time
}

// NewKillSwitch returns an inactive switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Activate disables execution.
func (k *KillSwitch) Activate(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active {
		return
	}
	k.active = true
	k.reason = reason
	k.activatedAt = time.Now()
	log.Warn().Str("reason", reason).Msg("🛑 KILL SWITCH ACTIVATED")
}

// Deactivate re-enables execution, subject to per-venue circuit breakers.
func (k *KillSwitch) Deactivate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return
	}
	k.active = false
	k.reason = ""
	log.Info().Msg("✅ Kill switch released, trading resumed")
}

// Active reports the switch state.
func (k *KillSwitch) Active() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Reason returns why the switch was thrown.
func (k *KillSwitch) Reason() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reason
}
