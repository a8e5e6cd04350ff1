package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"connectd/logger"
)

const (
	SessionCookieName = "oauth2_session"
	OwnerCookieName   = "connectd_token"

	defaultSessionTTL = 15 * time.Minute
)

// SessionStore keeps session values between the connect and callback
// requests. Load returns nil values and no error for an unknown id.
type SessionStore interface {
	Load(ctx context.Context, id string) (map[string]string, error)
	Save(ctx context.Context, id string, values map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Publisher posts content on behalf of a connected account.
type Publisher interface {
	Post(ctx context.Context, token *OAuthToken, content string) (string, error)
}

type Server struct {
	flow      *Flow
	repo      Repository
	sessions  SessionStore
	config    *Config
	publisher Publisher

	SessionTTL    time.Duration
	SecureCookies bool
}

func NewServer(flow *Flow, repo Repository, sessions SessionStore, config *Config) *Server {
	return &Server{
		flow:       flow,
		repo:       repo,
		sessions:   sessions,
		config:     config,
		SessionTTL: defaultSessionTTL,
	}
}

// WithPublisher enables the demo post endpoint.
func (s *Server) WithPublisher(p Publisher) *Server {
	s.publisher = p
	return s
}

// Routes returns the connection endpoints, meant to be mounted under the
// configured base path.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleList)
	r.Get("/{provider}/connect/", s.HandleConnect)
	r.Get("/{provider}/callback/", s.HandleCallback)
	r.Post("/{slug}/revoke/", s.HandleRevoke)
	r.Post("/{slug}/post/", s.HandlePost)
	return r
}

func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireOwner(w, r); !ok {
		return
	}

	ctx := r.Context()
	provider := chi.URLParam(r, "provider")

	sessionID, sess, err := s.loadSession(ctx, r)
	if err != nil {
		logger.From(ctx).Error("failed to load session", logger.Err(err))
		respondText(w, http.StatusInternalServerError, "Failed to load session.")
		return
	}

	authURL, err := s.flow.Initiate(ctx, provider, sess)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			respondText(w, http.StatusBadRequest, fmt.Sprintf("Unsupported provider: %s", provider))
			return
		}
		logger.From(ctx).Error("failed to initiate oauth flow", logger.Provider(provider), logger.Err(err))
		respondText(w, http.StatusInternalServerError, "Failed to start authorization.")
		return
	}

	if err := s.saveSession(ctx, w, sessionID, sess); err != nil {
		logger.From(ctx).Error("failed to save session", logger.Err(err))
		respondText(w, http.StatusInternalServerError, "Failed to save session.")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	params := CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	sessionID, sess, err := s.loadSession(ctx, r)
	if err != nil {
		logger.From(ctx).Error("failed to load session", logger.Err(err))
		respondText(w, http.StatusInternalServerError, "Failed to load session.")
		return
	}

	_, err = s.flow.CompleteCallback(ctx, provider, params, sess, owner)

	// state removal must be persisted whatever the outcome
	if serr := s.saveSession(ctx, w, sessionID, sess); serr != nil {
		logger.From(ctx).Error("failed to save session", logger.Err(serr))
	}

	title := Provider(provider).Title()
	var denied *AuthorizationDeniedError
	switch {
	case err == nil:
		respondText(w, http.StatusOK, fmt.Sprintf("%s account connected successfully.", title))
	case errors.Is(err, ErrUnsupportedProvider):
		respondText(w, http.StatusBadRequest, fmt.Sprintf("Unsupported provider: %s", provider))
	case errors.As(err, &denied):
		msg := "Authorization was denied."
		if denied.Description != "" {
			msg = fmt.Sprintf("Authorization was denied: %s", denied.Description)
		}
		respondText(w, http.StatusBadRequest, msg)
	case errors.Is(err, ErrInvalidState):
		respondText(w, http.StatusBadRequest, "Invalid state parameter. Please start the connection again.")
	case errors.Is(err, ErrMissingAuthorizationCode):
		respondText(w, http.StatusBadRequest, "Missing authorization code.")
	case errors.Is(err, ErrTokenExchangeFailed):
		respondText(w, http.StatusBadRequest, fmt.Sprintf("Failed to connect %s account.", title))
	case errors.Is(err, ErrAlreadyExists):
		respondText(w, http.StatusConflict, fmt.Sprintf("This %s account is already connected by another user.", title))
	default:
		respondText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to connect %s account.", title))
	}
}

type tokenView struct {
	Slug      string     `json:"slug"`
	Provider  Provider   `json:"provider"`
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	Scope     string     `json:"scope"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	tokens, err := s.repo.ListTokensByOwner(r.Context(), owner)
	if err != nil {
		logger.From(r.Context()).Error("failed to list tokens", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list connections")
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, tokenView{
			Slug:      t.Slug,
			Provider:  t.Provider,
			Name:      t.Name,
			Username:  t.Username(),
			Scope:     t.Scope,
			ExpiresAt: t.ExpiresAt,
			CreatedAt: t.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"connections": views})
}

func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	slug := chi.URLParam(r, "slug")
	if err := s.repo.DeleteToken(r.Context(), slug, owner); err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Connection not found")
			return
		}
		logger.From(r.Context()).Error("failed to revoke token", logger.Slug(slug), logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke connection")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "revoked",
	})
}

func (s *Server) HandlePost(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	if s.publisher == nil {
		http.NotFound(w, r)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	ctx := r.Context()
	slug := chi.URLParam(r, "slug")
	token, err := s.repo.FindTokenBySlug(ctx, slug)
	if err != nil || token.OwnerID != owner {
		respondError(w, http.StatusNotFound, "not_found", "Connection not found")
		return
	}

	postURL, err := s.publisher.Post(ctx, token, req.Content)
	if err != nil {
		var refreshErr *TokenRefreshError
		switch {
		case errors.As(err, &refreshErr):
			respondJSON(w, http.StatusConflict, map[string]string{
				"error":    "reconnect_required",
				"provider": string(refreshErr.Provider),
				"message":  fmt.Sprintf("Your %s connection has expired. Please reconnect the account.", refreshErr.Provider.Title()),
			})
		case errors.Is(err, ErrUnsupportedProvider):
			respondError(w, http.StatusBadRequest, "unsupported_provider", fmt.Sprintf("Posting to %s is not supported", token.Provider))
		default:
			logger.From(ctx).Error("failed to publish", logger.Slug(slug), logger.Err(err))
			respondError(w, http.StatusBadGateway, "publish_failed", "The provider rejected the post")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"url": postURL,
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, err := s.extractOwner(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return uuid.Nil, false
	}
	return owner, true
}

func (s *Server) extractOwner(r *http.Request) (uuid.UUID, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		c, cerr := r.Cookie(OwnerCookieName)
		if cerr != nil || c.Value == "" {
			return uuid.Nil, err
		}
		token = c.Value
	}

	owner, err := ValidateOwnerToken(token, s.config.JWT)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}
	return owner, nil
}

func (s *Server) loadSession(ctx context.Context, r *http.Request) (string, *Values, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || c.Value == "" {
		return uuid.NewString(), NewValues(nil), nil
	}
	data, err := s.sessions.Load(ctx, c.Value)
	if err != nil {
		return "", nil, err
	}
	return c.Value, NewValues(data), nil
}

func (s *Server) saveSession(ctx context.Context, w http.ResponseWriter, id string, sess *Values) error {
	if !sess.Dirty() {
		return nil
	}
	if err := s.sessions.Save(ctx, id, sess.Snapshot(), s.SessionTTL); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.SessionTTL.Seconds()),
	})
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		l := logger.L().With(
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
		)
		next.ServeHTTP(ww, r.WithContext(logger.ToContext(r.Context(), l)))

		l.Info("request", logger.Status(ww.Status()), logger.Duration(time.Since(start)))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func respondText(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write([]byte(msg))
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
