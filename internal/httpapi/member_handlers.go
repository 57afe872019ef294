package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fieldops.org/internal/audit"
	"fieldops.org/internal/auth"
)

type createMemberRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	SupervisorID string `json:"supervisor_id"`
}

type updateMemberRequest struct {
	Name         *string `json:"name"`
	Role         *string `json:"role"`
	SupervisorID *string `json:"supervisor_id"`
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "role must be MANAGER or WORKER")
		return
	}
	member, err := a.flows.CreateMember(r.Context(), actor, auth.MemberInput{
		Email:        req.Email,
		Name:         req.Name,
		Role:         role,
		SupervisorID: req.SupervisorID,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.member.created", map[string]any{
		"member_id":     member.ID,
		"role":          member.Role.String(),
		"supervisor_id": member.SupervisorID,
	})
	w.Header().Set("Location", fmt.Sprintf("/auth/members/%s", member.ID))
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleMemberResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/auth/members/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	actor, ok := a.principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := a.flows.Profile(r.Context(), actor, id)
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodPatch:
		var req updateMemberRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, err.Error())
			return
		}
		upd := auth.MemberUpdate{Name: req.Name, SupervisorID: req.SupervisorID}
		if req.Role != nil {
			role, err := auth.ParseRole(*req.Role)
			if err != nil {
				writeCodedError(w, r, http.StatusBadRequest, auth.CodeInvalidInput, "role must be MANAGER or WORKER")
				return
			}
			upd.Role = &role
		}
		p, err := a.flows.UpdateMember(r.Context(), actor, id, upd)
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.member.updated", map[string]any{
			"member_id":     p.ID,
			"role":          p.Role.String(),
			"supervisor_id": p.SupervisorID,
		})
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := a.flows.DeleteMember(r.Context(), actor, id); err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "auth.member.deleted", map[string]any{"member_id": id})
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

// handleAuthError turns flow errors into user-safe responses. Store failures
// are logged and reported as a generic 500.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	code := auth.CodeOf(err)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeCodedError(w, r, http.StatusUnauthorized, code, err.Error())
	case errors.Is(err, auth.ErrUnverified),
		errors.Is(err, auth.ErrForbiddenHierarchy),
		errors.Is(err, auth.ErrRoleNotAllowed):
		writeCodedError(w, r, http.StatusForbidden, code, err.Error())
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidOTP),
		errors.Is(err, auth.ErrInvalidDomain):
		writeCodedError(w, r, http.StatusBadRequest, code, userMessage(err))
	case errors.Is(err, auth.ErrNotFound):
		writeCodedError(w, r, http.StatusNotFound, code, "resource not found")
	case errors.Is(err, auth.ErrDuplicateIdentity),
		errors.Is(err, auth.ErrHierarchyInvariant):
		writeCodedError(w, r, http.StatusConflict, code, err.Error())
	default:
		a.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeCodedError(w, r, http.StatusInternalServerError, auth.CodeTransient, "internal server error")
	}
}

// userMessage strips the package prefix from wrapped validation errors.
func userMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}
