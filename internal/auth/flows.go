package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultVerifyURL      = "http://localhost:8080/auth/verify-email"
	defaultTempPasswordLn = 12
)

// Deps are the collaborators every Flows instance needs.
type Deps struct {
	Credentials CredentialStore
	Ledger      RevocationLedger
	Codes       *Codes
	Tokens      *Tokens
	Hasher      *Hasher
}

// Flows orchestrates login, logout, registration and password recovery.
type Flows struct {
	creds   CredentialStore
	ledger  RevocationLedger
	codes   *Codes
	tokens  *Tokens
	hasher  *Hasher
	mailer  Mailer
	domains DomainChecker
	log     *zap.Logger
	now     func() time.Time

	verifyURL   string
	tempPassLen int
}

// FlowOption configures Flows.
type FlowOption func(*Flows)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(l *zap.Logger) FlowOption {
	return func(f *Flows) {
		if l != nil {
			f.log = l
		}
	}
}

// WithMailer sets the outbound message sender.
func WithMailer(m Mailer) FlowOption {
	return func(f *Flows) { f.mailer = m }
}

// WithDomainChecker enables the mail-exchange lookup during registration.
func WithDomainChecker(d DomainChecker) FlowOption {
	return func(f *Flows) { f.domains = d }
}

// WithVerifyURL sets the absolute URL of the email verification endpoint.
func WithVerifyURL(u string) FlowOption {
	return func(f *Flows) {
		if u = strings.TrimSpace(u); u != "" {
			f.verifyURL = u
		}
	}
}

// WithFlowClock overrides the time source.
func WithFlowClock(fn func() time.Time) FlowOption {
	return func(f *Flows) {
		if fn != nil {
			f.now = fn
		}
	}
}

// NewFlows wires the session flows.
func NewFlows(deps Deps, opts ...FlowOption) (*Flows, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errors.New("auth: credential store is required")
	case deps.Ledger == nil:
		return nil, errors.New("auth: revocation ledger is required")
	case deps.Codes == nil:
		return nil, errors.New("auth: code store is required")
	case deps.Tokens == nil:
		return nil, errors.New("auth: token issuer is required")
	}
	f := &Flows{
		creds:       deps.Credentials,
		ledger:      deps.Ledger,
		codes:       deps.Codes,
		tokens:      deps.Tokens,
		hasher:      deps.Hasher,
		log:         zap.NewNop(),
		now:         time.Now,
		verifyURL:   defaultVerifyURL,
		tempPassLen: defaultTempPasswordLn,
	}
	if f.hasher == nil {
		f.hasher = NewHasher(0)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token         string
	ExpiresAt     time.Time
	Principal     Principal
	ResetRequired bool
}

// Login checks credentials and issues a session token. Unknown emails and
// wrong passwords both yield ErrInvalidCredentials.
func (f *Flows) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		f.hasher.Burn(password)
		return LoginResult{}, ErrInvalidCredentials
	}
	p, err := f.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			f.hasher.Burn(password)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, transient("find principal", err)
	}
	if !f.hasher.Verify(password, p.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !p.IsVerified {
		return LoginResult{}, ErrUnverified
	}
	token, exp, err := f.tokens.Issue(p.Authenticated(), 0)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: exp, Principal: *p, ResetRequired: p.MustResetPassword}, nil
}

// Authenticate verifies a bearer token and returns its principal.
func (f *Flows) Authenticate(ctx context.Context, token string) (AuthenticatedPrincipal, error) {
	claims, err := f.tokens.Verify(ctx, token)
	if err != nil {
		return AuthenticatedPrincipal{}, err
	}
	return claims.Principal(), nil
}

// Logout revokes token until its natural expiry. Failures are logged and
// never reported; the token expires on its own regardless.
func (f *Flows) Logout(ctx context.Context, token string) {
	claims, err := f.tokens.Decode(token)
	if err != nil {
		f.log.Warn("logout: undecodable token", zap.Error(err))
		return
	}
	exp := claims.Expiry()
	if exp.IsZero() {
		exp = f.now().UTC().Add(f.tokens.TTL())
	}
	entry := RevocationEntry{
		Fingerprint: Fingerprint(token),
		PrincipalID: claims.Subject,
		ExpiresAt:   exp,
		RevokedAt:   f.now().UTC(),
	}
	if err := f.ledger.Revoke(ctx, entry); err != nil {
		f.log.Warn("logout: revocation not persisted",
			zap.String("principal_id", claims.Subject),
			zap.Error(err),
		)
	}
}

// RegisterInput is a public self-registration request.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Role     Role
}

// Register creates an unverified ADMIN and mails a verification link.
func (f *Flows) Register(ctx context.Context, in RegisterInput) (*Principal, error) {
	if !in.Role.SelfRegistrable() {
		return nil, ErrRoleNotAllowed
	}
	email, domain, err := parseEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	if err := f.ensureEmailFree(ctx, email); err != nil {
		return nil, err
	}
	if err := f.checkDomain(ctx, domain); err != nil {
		return nil, err
	}
	hash, err := f.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	code, fp, err := f.codes.NewVerificationCode()
	if err != nil {
		return nil, err
	}
	p := &Principal{
		Email:            email,
		Name:             strings.TrimSpace(in.Name),
		Role:             in.Role,
		PasswordHash:     hash,
		VerificationHash: fp,
	}
	if err := f.creds.Create(ctx, p); err != nil {
		return nil, transient("create principal", err)
	}
	f.send(ctx, p.Email, verificationMessage(p.Name, f.verificationLink(code)))
	return p, nil
}

// ResendVerification mails a fresh verification link to an unverified
// account. Unknown and already verified emails are ignored silently.
func (f *Flows) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	p, err := f.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return transient("find principal", err)
	}
	if p.IsVerified {
		return nil
	}
	code, err := f.codes.IssueVerificationCode(ctx, p.ID)
	if err != nil {
		return err
	}
	f.send(ctx, p.Email, verificationMessage(p.Name, f.verificationLink(code)))
	return nil
}

// VerifyEmail consumes a verification code and returns the verified principal ID.
func (f *Flows) VerifyEmail(ctx context.Context, code string) (string, error) {
	return f.codes.ConsumeVerificationCode(ctx, code)
}

// MemberInput describes a MANAGER or WORKER created by an ADMIN.
type MemberInput struct {
	Email        string
	Name         string
	Role         Role
	SupervisorID string
}

// CreateMember creates an unverified account with a temporary password and
// mails both the password and the verification link.
func (f *Flows) CreateMember(ctx context.Context, actor AuthenticatedPrincipal, in MemberInput) (*Principal, error) {
	if err := RequireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	switch in.Role {
	case RoleManager, RoleWorker:
	default:
		return nil, ErrRoleNotAllowed
	}
	email, _, err := parseEmail(in.Email)
	if err != nil {
		return nil, err
	}
	supervisor := strings.TrimSpace(in.SupervisorID)
	if err := f.checkPlacement(ctx, "", in.Role, supervisor); err != nil {
		return nil, err
	}
	if err := f.ensureEmailFree(ctx, email); err != nil {
		return nil, err
	}
	temp, err := RandomPassword(f.tempPassLen)
	if err != nil {
		return nil, err
	}
	hash, err := f.hasher.Hash(temp)
	if err != nil {
		return nil, err
	}
	code, fp, err := f.codes.NewVerificationCode()
	if err != nil {
		return nil, err
	}
	p := &Principal{
		Email:             email,
		Name:              strings.TrimSpace(in.Name),
		Role:              in.Role,
		SupervisorID:      supervisor,
		PasswordHash:      hash,
		MustResetPassword: true,
		VerificationHash:  fp,
	}
	if err := f.creds.Create(ctx, p); err != nil {
		return nil, transient("create principal", err)
	}
	f.send(ctx, p.Email, memberWelcomeMessage(p.Name, p.Email, temp, f.verificationLink(code)))
	return p, nil
}

// MemberUpdate carries ADMIN edits to an existing member.
type MemberUpdate struct {
	Name         *string
	Role         *Role
	SupervisorID *string
}

// UpdateMember applies an ADMIN edit while keeping the hierarchy consistent.
func (f *Flows) UpdateMember(ctx context.Context, actor AuthenticatedPrincipal, id string, in MemberUpdate) (*Principal, error) {
	if err := RequireRole(actor, RoleAdmin); err != nil {
		return nil, err
	}
	current, err := f.find(ctx, id)
	if err != nil {
		return nil, err
	}
	role := current.Role
	if in.Role != nil {
		role = *in.Role
	}
	if role != current.Role && (role == RoleAdmin || current.Role == RoleAdmin) {
		return nil, ErrRoleNotAllowed
	}
	supervisor := current.SupervisorID
	if in.SupervisorID != nil {
		supervisor = strings.TrimSpace(*in.SupervisorID)
	}
	if role != RoleWorker {
		supervisor = ""
	}
	if err := f.checkPlacement(ctx, current.ID, role, supervisor); err != nil {
		return nil, err
	}
	if current.Role == RoleManager && role != RoleManager {
		if err := f.ensureNoReports(ctx, current.ID); err != nil {
			return nil, err
		}
	}
	upd := PrincipalUpdate{Role: &role, SupervisorID: &supervisor}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		upd.Name = &name
	}
	p, err := f.creds.Update(ctx, current.ID, upd)
	if err != nil {
		return nil, transient("update principal", err)
	}
	return p, nil
}

// DeleteMember removes an account. A MANAGER that still supervises workers
// cannot be removed. Outstanding tokens stay valid unless the token issuer
// was built WithLivenessCheck.
func (f *Flows) DeleteMember(ctx context.Context, actor AuthenticatedPrincipal, id string) error {
	if err := RequireRole(actor, RoleAdmin); err != nil {
		return err
	}
	if id == actor.ID {
		return fmt.Errorf("%w: cannot delete own account", ErrInvalidInput)
	}
	p, err := f.find(ctx, id)
	if err != nil {
		return err
	}
	if p.Role == RoleManager {
		if err := f.ensureNoReports(ctx, p.ID); err != nil {
			return err
		}
	}
	if err := f.creds.Delete(ctx, p.ID); err != nil {
		return transient("delete principal", err)
	}
	return nil
}

// Profile returns a principal record the actor is allowed to see.
func (f *Flows) Profile(ctx context.Context, actor AuthenticatedPrincipal, id string) (*Principal, error) {
	p, err := f.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, ResourceFor(p)); err != nil {
		return nil, err
	}
	return p, nil
}

// ChangePassword replaces the actor's password and clears the forced-reset flag.
func (f *Flows) ChangePassword(ctx context.Context, actor AuthenticatedPrincipal, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := f.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := f.creds.SetPassword(ctx, actor.ID, hash, false); err != nil {
		return transient("set password", err)
	}
	return nil
}

// RequestOTP issues and mails a reset code when the email belongs to an
// account. The outcome is the same whether it does or not.
func (f *Flows) RequestOTP(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return nil
	}
	if _, err := f.creds.FindByEmail(ctx, email); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return transient("find principal", err)
	}
	otp, err := f.codes.IssueOTP(ctx, email)
	if err != nil {
		return err
	}
	f.send(ctx, email, otpMessage(otp, f.codes.otpTTL))
	return nil
}

// ResetWithOTP consumes the reset code and sets a new password.
func (f *Flows) ResetWithOTP(ctx context.Context, email, otp, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	email = normalizeEmail(email)
	if err := f.codes.ConsumeOTP(ctx, email, otp); err != nil {
		return err
	}
	p, err := f.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidOTP
		}
		return transient("find principal", err)
	}
	hash, err := f.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := f.creds.SetPassword(ctx, p.ID, hash, false); err != nil {
		return transient("set password", err)
	}
	return nil
}

// CleanupTokens removes revocation entries whose tokens have expired.
func (f *Flows) CleanupTokens(ctx context.Context) (int64, error) {
	n, err := f.ledger.Sweep(ctx, f.now().UTC())
	if err != nil {
		return 0, transient("sweep revocations", err)
	}
	return n, nil
}

func (f *Flows) find(ctx context.Context, id string) (*Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	p, err := f.creds.Find(ctx, id)
	if err != nil {
		return nil, transient("find principal", err)
	}
	return p, nil
}

func (f *Flows) ensureEmailFree(ctx context.Context, email string) error {
	_, err := f.creds.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrDuplicateIdentity
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return transient("find principal", err)
	}
}

func (f *Flows) ensureNoReports(ctx context.Context, managerID string) error {
	n, err := f.creds.CountSupervised(ctx, managerID)
	if err != nil {
		return transient("count supervised", err)
	}
	if n > 0 {
		return ErrHierarchyInvariant
	}
	return nil
}

// checkPlacement enforces that a WORKER points at an existing MANAGER and
// that nobody else has a supervisor.
func (f *Flows) checkPlacement(ctx context.Context, selfID string, role Role, supervisorID string) error {
	if !role.NeedsSupervisor() {
		if supervisorID != "" {
			return ErrHierarchyInvariant
		}
		return nil
	}
	if supervisorID == "" || supervisorID == selfID {
		return ErrHierarchyInvariant
	}
	sup, err := f.creds.Find(ctx, supervisorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrHierarchyInvariant
		}
		return transient("find supervisor", err)
	}
	if sup.Role != RoleManager {
		return ErrHierarchyInvariant
	}
	return nil
}

func (f *Flows) checkDomain(ctx context.Context, domain string) error {
	if f.domains == nil {
		return nil
	}
	ok, err := f.domains.HasMailExchange(ctx, domain)
	if err != nil {
		f.log.Debug("mx lookup failed", zap.String("domain", domain), zap.Error(err))
		return ErrInvalidDomain
	}
	if !ok {
		return ErrInvalidDomain
	}
	return nil
}

func (f *Flows) verificationLink(code string) string {
	return f.verifyURL + "?token=" + url.QueryEscape(code)
}

func (f *Flows) send(ctx context.Context, to string, msg message) {
	if f.mailer == nil {
		f.log.Warn("no mailer configured, message dropped", zap.String("subject", msg.subject))
		return
	}
	if err := f.mailer.Send(ctx, to, msg.subject, msg.body); err != nil {
		f.log.Warn("mail delivery failed", zap.String("subject", msg.subject), zap.Error(err))
	}
}

func parseEmail(raw string) (email, domain string, err error) {
	email = normalizeEmail(raw)
	addr, perr := mail.ParseAddress(email)
	if perr != nil || addr.Address != email {
		return "", "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	return email, email[at+1:], nil
}
