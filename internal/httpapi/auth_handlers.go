package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldops.org/internal/audit"
	"fieldops.org/internal/auth"
	"fieldops.org/internal/obs"
)

const (
	forgotPasswordMessage     = "If an account exists for that email, a reset code has been sent."
	resendVerificationMessage = "If an unverified account exists for that email, a new verification link has been sent."
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token         string          `json:"token"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Principal     *auth.Principal `json:"principal"`
	ResetRequired bool            `json:"reset_required"`
}

type changePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"new_password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}

	res, err := a.flows.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveLogin(string(auth.CodeOf(err)))
		a.handleAuthError(w, r, err)
		return
	}
	obs.ObserveLogin("success")

	ctx := auth.ContextWithPrincipal(r.Context(), res.Principal.Authenticated())
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"expires_at":     res.ExpiresAt.Format(time.RFC3339),
		"reset_required": res.ResetRequired,
	})

	principal := res.Principal
	writeJSON(w, http.StatusOK, loginResponse{
		Token:         res.Token,
		ExpiresAt:     res.ExpiresAt,
		Principal:     &principal,
		ResetRequired: res.ResetRequired,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}
	a.flows.Logout(r.Context(), token)
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeJSON(w, http.StatusOK, messageBody{Message: "Logged out successfully"})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	if err := a.flows.ChangePassword(r.Context(), actor, req.NewPassword); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	writeJSON(w, http.StatusOK, messageBody{Message: "Password updated successfully"})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	if err := a.flows.RequestOTP(r.Context(), req.Email); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	obs.ObserveOTPIssued()
	writeJSON(w, http.StatusOK, messageBody{Message: forgotPasswordMessage})
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resendVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	if err := a.flows.ResendVerification(r.Context(), req.Email); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: resendVerificationMessage})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	if err := a.flows.ResetWithOTP(r.Context(), req.Email, req.OTP, req.NewPassword); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset", map[string]any{
		"email": strings.ToLower(strings.TrimSpace(req.Email)),
	})
	writeJSON(w, http.StatusOK, messageBody{Message: "Password has been reset. Please log in."})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "role must be ADMIN, MANAGER or WORKER")
		return
	}
	p, err := a.flows.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     role,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.registered", map[string]any{
		"principal_id": p.ID,
		"role":         p.Role.String(),
	})
	writeJSON(w, http.StatusCreated, messageBody{Message: "Registration successful. Check your email to verify your account."})
}

// handleVerifyEmail always redirects; the outcome travels in the query string.
func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	outcome := "true"
	id, err := a.flows.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		outcome = "error"
		if auth.CodeOf(err) == auth.CodeTransient {
			a.log.Error("verify email failed", zap.String("request_id", requestIDFrom(r)), zap.Error(err))
		}
	} else {
		_ = audit.LogEvent(r.Context(), "auth.email.verified", map[string]any{"principal_id": id})
	}
	target := a.frontendURL + "/login?" + url.Values{"verified": []string{outcome}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *API) handleCleanupTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	n, err := a.flows.CleanupTokens(r.Context())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	obs.ObserveSweep(n)
	_ = audit.LogEvent(r.Context(), "auth.tokens.cleaned", map[string]any{"count": n})
	writeJSON(w, http.StatusOK, map[string]int64{"cleaned_count": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	p, err := a.flows.Profile(r.Context(), actor, actor.ID)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// principal returns the authenticated caller or writes 401.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (auth.AuthenticatedPrincipal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "invalid token")
		return auth.AuthenticatedPrincipal{}, false
	}
	return p, true
}
