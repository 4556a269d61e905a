package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dealerdesk/dealerdesk/internal/backend"
	"github.com/dealerdesk/dealerdesk/internal/notify"
	"github.com/dealerdesk/dealerdesk/internal/platform/httpx"
	"github.com/dealerdesk/dealerdesk/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	backend        backend.Auth
	registry       *Registry
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, auth backend.Auth, registry *Registry, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		backend:        auth,
		registry:       registry,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.csrfToken)
	r.Get("/me", h.me)
	r.Post("/login", h.login)
	r.Post("/logout", h.logout)
	r.Post("/signup", h.signUp)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type signUpRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,max=120"`
	Role     Role   `json:"role" validate:"omitempty,oneof=admin manager employee"`
}

type identityView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type meResponse struct {
	Status        Status                `json:"status"`
	Authenticated bool                  `json:"authenticated"`
	User          *identityView         `json:"user,omitempty"`
	Profile       *Profile              `json:"profile,omitempty"`
	ProfileStatus ProfileOutcome        `json:"profile_status,omitempty"`
	IsAdmin       bool                  `json:"is_admin"`
	IsManager     bool                  `json:"is_manager"`
	Flashes       []shared.FlashMessage `json:"flashes,omitempty"`
}

func newMeResponse(st State) meResponse {
	resp := meResponse{
		Status:        st.Status,
		Authenticated: st.Authenticated(),
		Profile:       st.Profile,
		ProfileStatus: st.Outcome,
		IsAdmin:       st.IsAdmin(),
		IsManager:     st.IsManager(),
	}
	if st.Identity != nil {
		resp.User = &identityView{ID: st.Identity.ID, Email: st.Identity.Email}
	}
	return resp
}

func (h *Handler) csrfToken(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.Error("ensure csrf token", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.Respond(w, r, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	st, _ := StateFromContext(r.Context())
	resp := newMeResponse(st)
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		for f := sess.PopFlash(); f != nil; f = sess.PopFlash() {
			resp.Flashes = append(resp.Flashes, *f)
		}
	}
	httpx.Respond(w, r, http.StatusOK, resp)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	mgr := ManagerFromContext(r.Context())
	if mgr == nil {
		httpx.RespondError(w, shared.ErrSessionMissing)
		return
	}
	if err := mgr.SignIn(r.Context(), req.Email, req.Password); err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid email or password")
			return
		}
		h.logger.Error("sign in", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", backend.Message(err))
		return
	}
	st, err := mgr.WaitReady(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		syncSession(sess, st)
	}
	if c := notify.CollectorFromContext(r.Context()); c != nil {
		c.Notify(r.Context(), notify.Success("Welcome back"))
	}
	httpx.Respond(w, r, http.StatusOK, newMeResponse(st))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if mgr := ManagerFromContext(r.Context()); mgr != nil {
		if err := mgr.SignOut(r.Context()); err != nil {
			h.logger.Warn("sign out", slog.Any("error", err))
		}
	}
	if sess != nil {
		h.registry.Remove(sess.ID)
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if fields := h.validate(req); fields != nil {
		httpx.ValidationProblem(w, fields)
		return
	}
	// Only admins may pick a role; self sign-ups are employees.
	role := RoleEmployee
	if st, ok := StateFromContext(r.Context()); ok && st.IsAdmin() && req.Role != "" {
		role = req.Role
	}
	id, err := h.backend.SignUp(r.Context(), backend.SignUpRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     string(role),
	})
	if err != nil {
		if backend.CodeOf(err) == backend.CodeUniqueViolation {
			httpx.Problem(w, http.StatusConflict, "Conflict", "email already registered")
			return
		}
		h.logger.Error("sign up", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", backend.Message(err))
		return
	}
	if c := notify.CollectorFromContext(r.Context()); c != nil {
		c.Notify(r.Context(), notify.Success("Account created"))
	}
	httpx.Respond(w, r, http.StatusCreated, identityView{ID: id.ID, Email: id.Email})
}

func (h *Handler) validate(v any) map[string]string {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"general": err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return fields
}
