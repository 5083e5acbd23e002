package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/repository"
)

var errStoreDown = errors.New("connection refused")

type memAccounts struct {
	mu       sync.Mutex
	byID     map[string]*model.Account
	history  map[string][]string
	failNext error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{byID: map[string]*model.Account{}, history: map[string][]string{}}
}

func (m *memAccounts) put(a *model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.byID[a.ID] = &cp
}

func (m *memAccounts) get(id string) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.byID[id]
	return &cp
}

func (m *memAccounts) takeErr() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memAccounts) GetByID(_ context.Context, tenantID, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) GetByEmail(_ context.Context, tenantID, email string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	for _, a := range m.byID {
		if a.TenantID == tenantID && a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAccounts) UpdateStatus(_ context.Context, tenantID, id string, status model.AccountStatus, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	a.Status = status
	a.LockedUntil = lockedUntil
	return nil
}

func (m *memAccounts) PasswordHistory(_ context.Context, accountID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[accountID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]string(nil), h...), nil
}

func (m *memAccounts) UpdatePassword(_ context.Context, tenantID, id, newHash string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	h := append([]string{a.PasswordHash}, m.history[id]...)
	if len(h) > keep {
		h = h[:keep]
	}
	m.history[id] = h
	a.PasswordHash = newHash
	now := time.Now()
	a.PasswordChangedAt = &now
	return nil
}

func (m *memAccounts) SetPendingMFASecret(_ context.Context, tenantID, id, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	a.MFAPendingSecret = secret
	return nil
}

func (m *memAccounts) EnableMFA(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID || a.MFAPendingSecret == "" {
		return repository.ErrNotFound
	}
	a.MFAEnabled = true
	a.MFASecret = a.MFAPendingSecret
	a.MFAPendingSecret = ""
	return nil
}

func (m *memAccounts) DisableMFA(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenantID {
		return repository.ErrNotFound
	}
	a.MFAEnabled = false
	a.MFASecret = ""
	a.MFAPendingSecret = ""
	return nil
}

type memBackupCodes struct {
	mu    sync.Mutex
	codes map[string][]*model.BackupCode
}

func newMemBackupCodes() *memBackupCodes {
	return &memBackupCodes{codes: map[string][]*model.BackupCode{}}
}

func (m *memBackupCodes) Replace(_ context.Context, accountID string, codes []*model.BackupCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[accountID] = codes
	return nil
}

func (m *memBackupCodes) Consume(_ context.Context, accountID, codeHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes[accountID] {
		if c.CodeHash == codeHash && !c.IsUsed() {
			c.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackupCodes) CountUnused(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.codes[accountID] {
		if !c.IsUsed() {
			n++
		}
	}
	return n, nil
}

// memSessions serializes CreateWithCeiling under one mutex, which is the
// guarantee the Postgres row lock gives per account.
type memSessions struct {
	mu       sync.Mutex
	byID     map[string]*model.Session
	accounts *memAccounts
}

func newMemSessions(accounts *memAccounts) *memSessions {
	return &memSessions{byID: map[string]*model.Session{}, accounts: accounts}
}

func (m *memSessions) CreateWithCeiling(_ context.Context, s *model.Session, ceiling int, now time.Time) ([]*model.Session, error) {
	if m.accounts != nil {
		m.accounts.mu.Lock()
		_, ok := m.accounts.byID[s.AccountID]
		m.accounts.mu.Unlock()
		if !ok {
			return nil, repository.ErrNotFound
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*model.Session
	for _, existing := range m.byID {
		if existing.AccountID == s.AccountID && existing.IsActive(now) {
			active = append(active, existing)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].LastAccessedAt.Equal(active[j].LastAccessedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].LastAccessedAt.Before(active[j].LastAccessedAt)
	})

	reason := model.RevokeReasonEvicted
	var evicted []*model.Session
	for i := 0; ceiling > 0 && len(active)-i >= ceiling; i++ {
		victim := active[i]
		victim.RevokedAt = &now
		victim.RevokeReason = &reason
		cp := *victim
		evicted = append(evicted, &cp)
	}

	cp := *s
	m.byID[s.ID] = &cp
	return evicted, nil
}

func (m *memSessions) GetByID(_ context.Context, tenantID, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) ListActive(_ context.Context, accountID string, now time.Time) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Session
	for _, s := range m.byID {
		if s.AccountID == accountID && s.IsActive(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.After(out[j].LastAccessedAt) })
	return out, nil
}

func (m *memSessions) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; ok && s.RevokedAt == nil && s.LastAccessedAt.Before(at) {
		s.LastAccessedAt = at
	}
	return nil
}

func (m *memSessions) Revoke(_ context.Context, tenantID, id, reason string, at time.Time) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.TenantID != tenantID || s.RevokedAt != nil {
		return nil, repository.ErrNotFound
	}
	s.RevokedAt = &at
	s.RevokeReason = &reason
	cp := *s
	return &cp, nil
}

func (m *memSessions) RevokeAll(_ context.Context, tenantID, accountID, exceptID, reason string, at time.Time) ([]*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Session
	for _, s := range m.byID {
		if s.TenantID != tenantID || s.AccountID != accountID || s.RevokedAt != nil || s.ID == exceptID {
			continue
		}
		s.RevokedAt = &at
		s.RevokeReason = &reason
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memSessions) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.byID {
		if s.ExpiresAt.Before(cutoff) || (s.RevokedAt != nil && s.RevokedAt.Before(cutoff)) {
			delete(m.byID, id)
			n++
		}
	}
	return n, nil
}

func (m *memSessions) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]*model.TrustedDevice
}

func newMemDevices() *memDevices {
	return &memDevices{devices: map[string]*model.TrustedDevice{}}
}

func deviceKey(accountID, fingerprint string) string {
	return accountID + "|" + fingerprint
}

func (m *memDevices) Upsert(_ context.Context, d *model.TrustedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[deviceKey(d.AccountID, d.Fingerprint)] = &cp
	return nil
}

func (m *memDevices) Get(_ context.Context, accountID, fingerprint string) (*model.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceKey(accountID, fingerprint)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) ListValid(_ context.Context, accountID string, now time.Time) ([]*model.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TrustedDevice
	for _, d := range m.devices {
		if d.AccountID == accountID && d.IsValid(now) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDevices) Delete(_ context.Context, accountID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deviceKey(accountID, fingerprint)
	if _, ok := m.devices[k]; !ok {
		return repository.ErrNotFound
	}
	delete(m.devices, k)
	return nil
}

func (m *memDevices) DeleteAll(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, d := range m.devices {
		if d.AccountID == accountID {
			delete(m.devices, k)
		}
	}
	return nil
}

func (m *memDevices) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.devices {
		if !d.IsValid(cutoff) {
			delete(m.devices, k)
			n++
		}
	}
	return n, nil
}

type memRoles struct {
	roles map[string][]string
	err   error
}

func (m *memRoles) Permissions(_ context.Context, tenantID, role string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.roles[tenantID+"/"+role]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

type memSigningKeys struct {
	mu   sync.Mutex
	keys []*model.SigningKey
}

func (m *memSigningKeys) Rotate(_ context.Context, key *model.SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Algorithm == key.Algorithm && k.IsActive {
			k.IsActive = false
			at := key.CreatedAt
			k.RotatedAt = &at
		}
	}
	cp := *key
	m.keys = append(m.keys, &cp)
	return nil
}

func (m *memSigningKeys) GetActive(_ context.Context, algorithm string) (*model.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.keys) - 1; i >= 0; i-- {
		if k := m.keys[i]; k.Algorithm == algorithm && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memSigningKeys) ListVerifiable(_ context.Context, notBefore time.Time) ([]*model.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SigningKey
	for _, k := range m.keys {
		if k.CreatedAt.After(notBefore) {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSigningKeys) DeleteRetired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.keys[:0]
	for _, k := range m.keys {
		if !k.IsActive && k.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, k)
	}
	m.keys = kept
	return n, nil
}
