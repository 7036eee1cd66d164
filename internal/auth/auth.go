// Package auth provides local account authentication, role-to-permission
// resolution, and session lifecycle management for vigil's control surface
// and subscriber transport.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/store"
)

// rolePermissions is the closed role→permission table. Permissions are
// additive; there is no deny list.
var rolePermissions = map[model.Role]map[model.Permission]struct{}{
	model.RoleAdmin: {
		model.PermSourceRead:       {},
		model.PermSourceWrite:      {},
		model.PermSourceDelete:     {},
		model.PermAuditRead:        {},
		model.PermConfigWrite:      {},
		model.PermWebsocketConnect: {},
		model.PermAdminOverride:    {},
	},
	model.RoleAnalyst: {
		model.PermSourceRead:       {},
		model.PermAuditRead:        {},
		model.PermWebsocketConnect: {},
	},
	model.RoleViewer: {
		model.PermSourceRead:       {},
		model.PermWebsocketConnect: {},
	},
	model.RoleSystem: {
		model.PermSourceRead:       {},
		model.PermSourceWrite:      {},
		model.PermAuditRead:        {},
		model.PermWebsocketConnect: {},
	},
}

// PermissionsFor returns the permission set granted to a role.
func PermissionsFor(role model.Role) map[model.Permission]struct{} {
	perms := rolePermissions[role]
	out := make(map[model.Permission]struct{}, len(perms))
	for p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// Manager authenticates users, issues sessions, and sweeps expired ones.
type Manager struct {
	store   store.Store
	timeout time.Duration
	idle    time.Duration

	mu       sync.RWMutex
	sessions map[string]*model.Principal
}

// NewManager constructs a session Manager backed by store.
func NewManager(st store.Store, timeout, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:    st,
		timeout:  timeout,
		idle:     idleTimeout,
		sessions: make(map[string]*model.Principal),
	}
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth.HashPassword: %w", err)
	}
	return string(h), nil
}

// Authenticate verifies a username/password pair against the store and, on
// success, issues a new session.
func (m *Manager) Authenticate(ctx context.Context, username, password, clientIP, userAgent string) (*model.Principal, error) {
	rec, err := m.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("auth.Authenticate: lookup %q: %w", username, err)
	}
	if rec == nil || rec.Disabled {
		return nil, fmt.Errorf("auth.Authenticate: invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("auth.Authenticate: invalid credentials")
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("auth.Authenticate: generate session id: %w", err)
	}

	now := time.Now()
	principal := &model.Principal{
		SessionID:   sessionID,
		UserID:      rec.Username,
		Username:    rec.Username,
		Role:        rec.Role,
		Permissions: PermissionsFor(rec.Role),
		ExpiresAt:   now.Add(m.timeout),
		ClientIP:    clientIP,
		UserAgent:   userAgent,
	}

	m.mu.Lock()
	m.sessions[sessionID] = principal
	m.mu.Unlock()

	return principal, nil
}

// Validate returns the Principal for sessionID if it exists and its
// absolute expiry (ExpiresAt) has not passed; an expired session is
// removed. The idle timeout is not checked, and a successful validation
// does not extend the session.
func (m *Manager) Validate(sessionID string) (*model.Principal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(p.ExpiresAt) {
		delete(m.sessions, sessionID)
		return nil, false
	}
	return p, true
}

// Revoke terminates a session immediately.
func (m *Manager) Revoke(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Sweep runs until ctx is cancelled, periodically purging expired sessions.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.sessions {
		if now.After(p.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

// ActiveSessionCount reports the number of live sessions. Used by health
// checks and system_status events.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
