package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"fieldops.org/internal/ids"
)

// MemoryStore implements every auth store in process. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	principals map[string]*Principal
	byEmail    map[string]string
	revoked    map[string]RevocationEntry
	otps       map[string]memoryOTP
}

type memoryOTP struct {
	hash      string
	expiresAt time.Time
}

var (
	_ CredentialStore  = (*MemoryStore)(nil)
	_ RevocationLedger = (*MemoryStore)(nil)
	_ CodeStore        = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		principals: make(map[string]*Principal),
		byEmail:    make(map[string]string),
		revoked:    make(map[string]RevocationEntry),
		otps:       make(map[string]memoryOTP),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(p.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrDuplicateIdentity
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := m.now().UTC()
	p.Email = email
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.principals[p.ID] = &cp
	m.byEmail[email] = p.ID
	return nil
}

func (m *MemoryStore) Find(_ context.Context, id string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.principals[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, upd PrincipalUpdate) (*Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Role != nil {
		p.Role = *upd.Role
	}
	if upd.SupervisorID != nil {
		p.SupervisorID = *upd.SupervisorID
	}
	p.UpdatedAt = m.now().UTC()
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byEmail, p.Email)
	delete(m.principals, id)
	return nil
}

func (m *MemoryStore) CountSupervised(_ context.Context, managerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.principals {
		if p.SupervisorID == managerID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetPassword(_ context.Context, id, passwordHash string, mustReset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.PasswordHash = passwordHash
	p.MustResetPassword = mustReset
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, entry RevocationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[entry.Fingerprint]; ok {
		return nil
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = m.now().UTC()
	}
	m.revoked[entry.Fingerprint] = entry
	return nil
}

func (m *MemoryStore) IsRevoked(_ context.Context, fingerprint string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.revoked[fingerprint]
	return ok && now.Before(entry.ExpiresAt), nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, entry := range m.revoked {
		if !now.Before(entry.ExpiresAt) {
			delete(m.revoked, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetVerificationCode(_ context.Context, principalID, codeHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return ErrNotFound
	}
	p.VerificationHash = codeHash
	return nil
}

func (m *MemoryStore) ConsumeVerificationCode(_ context.Context, codeHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if codeHash == "" {
		return "", ErrNotFound
	}
	for id, p := range m.principals {
		if p.VerificationHash == codeHash {
			p.VerificationHash = ""
			p.IsVerified = true
			p.UpdatedAt = m.now().UTC()
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (m *MemoryStore) UpsertOTP(_ context.Context, email, codeHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.otps[normalizeEmail(email)] = memoryOTP{hash: codeHash, expiresAt: expiresAt}
	return nil
}

func (m *MemoryStore) ConsumeOTP(_ context.Context, email, codeHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeEmail(email)
	otp, ok := m.otps[key]
	if !ok || otp.hash != codeHash || !now.Before(otp.expiresAt) {
		return ErrInvalidOTP
	}
	delete(m.otps, key)
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
