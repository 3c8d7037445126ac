// Package auth issues and validates short-lived bearer keys against the
// shared host and admin secrets.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Power is the privilege level attached to a key.
type Power int

const (
	PowerHost Power = iota + 1
	PowerAdmin
)

// String returns the wire name of the power level.
func (p Power) String() string {
	switch p {
	case PowerHost:
		return "host"
	case PowerAdmin:
		return "admin"
	default:
		return fmt.Sprintf("power(%d)", int(p))
	}
}

// ParsePower maps a role name from a login request to a Power.
// The empty string defaults to host.
func ParsePower(role string) (Power, error) {
	switch role {
	case "", "host":
		return PowerHost, nil
	case "admin":
		return PowerAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", role)
	}
}

// ErrUnauthorized covers bad passwords, unknown keys, expired keys and
// insufficient power.
var ErrUnauthorized = errors.New("unauthorized")

const keyTTL = 3 * time.Hour

// Credentials is the result of a successful login.
type Credentials struct {
	Key         string `json:"key"`
	ExpireHours int    `json:"expire_hours"`
	Power       string `json:"power"`
}

type entry struct {
	expire time.Time
	power  Power
}

// Manager holds issued keys in process memory. Safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	keys          map[string]entry
	hostPassword  string
	adminPassword string
	ttl           time.Duration

	now func() time.Time
}

// NewManager creates a Manager over the two configured secrets.
func NewManager(hostPassword, adminPassword string) *Manager {
	return &Manager{
		keys:          make(map[string]entry),
		hostPassword:  hostPassword,
		adminPassword: adminPassword,
		ttl:           keyTTL,
		now:           time.Now,
	}
}

// Login exchanges a password for a key. The granted power is determined by
// which secret matched; asking for a role above the granted power fails.
func (m *Manager) Login(password, role string) (Credentials, error) {
	requested, err := ParsePower(role)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var granted Power
	switch password {
	case m.adminPassword:
		granted = PowerAdmin
	case m.hostPassword:
		granted = PowerHost
	default:
		return Credentials{}, fmt.Errorf("%w: wrong password", ErrUnauthorized)
	}
	if requested > granted {
		return Credentials{}, fmt.Errorf("%w: role %s exceeds granted power", ErrUnauthorized, requested)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Credentials{}, fmt.Errorf("generating key: %w", err)
	}
	key := hex.EncodeToString(buf)

	m.mu.Lock()
	m.keys[key] = entry{expire: m.now().Add(m.ttl), power: requested}
	m.mu.Unlock()

	return Credentials{
		Key:         key,
		ExpireHours: int(m.ttl.Hours()),
		Power:       requested.String(),
	}, nil
}

// Validate reports whether key exists, is unexpired, and carries at least
// the required power. Expired keys are evicted on lookup.
func (m *Manager) Validate(key string, required Power) bool {
	power, ok := m.lookup(key)
	return ok && power >= required
}

// Lookup returns the power of a live key.
func (m *Manager) Lookup(key string) (Power, bool) {
	return m.lookup(key)
}

func (m *Manager) lookup(key string) (Power, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok {
		return 0, false
	}
	if m.now().After(e.expire) {
		delete(m.keys, key)
		return 0, false
	}
	return e.power, true
}
