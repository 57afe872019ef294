package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-0123456789abcdef"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentMail struct {
	to, subject, body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (m *recordingMailer) last(t *testing.T, to string) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].to == to {
			return m.sent[i]
		}
	}
	t.Fatalf("no mail sent to %s", to)
	return sentMail{}
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type staticDomains map[string]bool

func (d staticDomains) HasMailExchange(_ context.Context, domain string) (bool, error) {
	return d[domain], nil
}

type failingLedger struct{}

func (failingLedger) Revoke(context.Context, RevocationEntry) error {
	return errors.New("ledger down")
}

func (failingLedger) IsRevoked(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("ledger down")
}

func (failingLedger) Sweep(context.Context, time.Time) (int64, error) {
	return 0, errors.New("ledger down")
}

// unwritableCodes refuses to store verification codes but still consumes them.
type unwritableCodes struct{ *MemoryStore }

func (unwritableCodes) SetVerificationCode(context.Context, string, string) error {
	return errors.New("code store down")
}

// flakyCreate fails the first n inserts.
type flakyCreate struct {
	*MemoryStore
	n int
}

func (f *flakyCreate) Create(ctx context.Context, p *Principal) error {
	if f.n > 0 {
		f.n--
		return errors.New("insert failed")
	}
	return f.MemoryStore.Create(ctx, p)
}

type harness struct {
	store  *MemoryStore
	clock  *fakeClock
	mailer *recordingMailer
	tokens *Tokens
	flows  *Flows
	hasher *Hasher
}

// storeWrapper lets a test put faulty stores in front of the memory store.
type storeWrapper func(*MemoryStore) (CredentialStore, CodeStore)

func newHarness(t *testing.T, opts ...FlowOption) *harness {
	t.Helper()
	return newHarnessWith(t, nil, opts...)
}

func newHarnessWith(t *testing.T, wrap storeWrapper, opts ...FlowOption) *harness {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	var creds CredentialStore = store
	var codes CodeStore = store
	if wrap != nil {
		creds, codes = wrap(store)
	}
	tokens, err := NewTokens(testSecret, store, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	mailer := &recordingMailer{}
	hasher := NewHasher(bcrypt.MinCost)
	all := append([]FlowOption{WithMailer(mailer), WithFlowClock(clock.Now)}, opts...)
	flows, err := NewFlows(Deps{
		Credentials: creds,
		Ledger:      store,
		Codes:       NewCodes(codes, 0, clock.Now),
		Tokens:      tokens,
		Hasher:      hasher,
	}, all...)
	if err != nil {
		t.Fatalf("NewFlows: %v", err)
	}
	return &harness{store: store, clock: clock, mailer: mailer, tokens: tokens, flows: flows, hasher: hasher}
}

// seed stores a verified principal with the given password.
func (h *harness) seed(t *testing.T, email, password string, role Role, supervisor string) *Principal {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	p := &Principal{Email: email, Name: strings.Split(email, "@")[0], Role: role, SupervisorID: supervisor, PasswordHash: hash, IsVerified: true}
	if err := h.store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed %s: %v", email, err)
	}
	return p
}

func verificationCodeFrom(t *testing.T, body string) string {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, "?token=") {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(line))
		if err != nil {
			t.Fatalf("parse link: %v", err)
		}
		return u.Query().Get("token")
	}
	t.Fatalf("no verification link in %q", body)
	return ""
}

func tempPasswordFrom(t *testing.T, body string) string {
	t.Helper()
	_, rest, ok := strings.Cut(body, "Temporary password: ")
	if !ok {
		t.Fatalf("no temporary password in %q", body)
	}
	pw, _, _ := strings.Cut(rest, "\n")
	return pw
}

func otpFrom(t *testing.T, body string) string {
	t.Helper()
	_, rest, ok := strings.Cut(body, "reset code is ")
	if !ok {
		t.Fatalf("no otp in %q", body)
	}
	otp, _, _ := strings.Cut(rest, ".")
	return otp
}
