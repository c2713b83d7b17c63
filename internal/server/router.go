package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumeneducacao/staffcore/backend/internal/auth"
	"github.com/lumeneducacao/staffcore/backend/internal/envelope"
	"github.com/lumeneducacao/staffcore/backend/internal/guard"
	"github.com/lumeneducacao/staffcore/backend/internal/mail"
	"github.com/lumeneducacao/staffcore/backend/internal/password"
	"github.com/lumeneducacao/staffcore/backend/internal/staff"
)

const oauthStateCookie = "staffcore_oauth_state"

var (
	errMissingStaffService  = errors.New("staff service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCipher        = errors.New("payload cipher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionTokenManager validates bearer tokens presented on protected routes.
type SessionTokenManager interface {
	Validate(token string) (auth.SessionClaims, error)
}

// FederatedVerifier validates Google ID tokens obtained from the callback
// exchange.
type FederatedVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleClaims, error)
}

// FederatedExchanger drives the browser half of the federated flow.
type FederatedExchanger interface {
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// ActivityTracker records per-identity activity and supports forced logout.
type ActivityTracker interface {
	Touch(identityID uint)
	ForceLogout(identityID uint)
}

// Dependencies wires the HTTP boundary. GoogleOAuth and GoogleVerifier may be
// nil, which disables the federated routes with a 503 instead of a crash.
type Dependencies struct {
	StaffService    *staff.Service
	TokenManager    SessionTokenManager
	Cipher          *envelope.Cipher
	GoogleOAuth     FederatedExchanger
	GoogleVerifier  FederatedVerifier
	Activity        ActivityTracker
	Logger          *zap.Logger
	FrontendBaseURL string
}

// NewHTTPHandler builds the gin router exposing the identity and access API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.StaffService == nil {
		return nil, errMissingStaffService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Cipher == nil {
		return nil, errMissingCipher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		staffService: deps.StaffService,
		tokens:       deps.TokenManager,
		cipher:       deps.Cipher,
		oauth:        deps.GoogleOAuth,
		verifier:     deps.GoogleVerifier,
		activity:     deps.Activity,
		logger:       logger,
		frontendURL:  strings.TrimRight(deps.FrontendBaseURL, "/"),
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.GET("/auth/google", handler.handleGoogleRedirect)
	router.GET("/auth/google/callback", handler.handleGoogleCallback)
	router.POST("/auth/forgot", handler.handleForgotPassword)
	router.POST("/auth/reset", handler.handleResetPassword)
	router.GET("/auth/setores", handler.handleListSectors)
	router.GET("/auth/funcoes", handler.handleListFunctions)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.Use(handler.trackActivity)
	protected.GET("/auth/me", handler.handleMe)
	protected.PUT("/auth/profile", handler.handleUpdateProfile)
	protected.POST("/auth/logout", handler.handleLogout)
	protected.GET("/staff", guard.RequireAdmin(deps.StaffService, logger), handler.handleListIdentities)

	return router, nil
}

type httpHandler struct {
	staffService *staff.Service
	tokens       SessionTokenManager
	cipher       *envelope.Cipher
	oauth        FederatedExchanger
	verifier     FederatedVerifier
	activity     ActivityTracker
	logger       *zap.Logger
	frontendURL  string
}

type registerRequestPayload struct {
	FirstName  string   `json:"firstName"`
	LastName   string   `json:"lastName"`
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	Phone      string   `json:"phone"`
	Sector     string   `json:"sector"`
	Functions  []string `json:"functions"`
	Provider   string   `json:"provider"`
	ProviderID string   `json:"providerId"`
	PhotoURL   string   `json:"photoUrl"`
}

type loginRequestPayload struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Provider   string `json:"provider"`
	ProviderID string `json:"providerId"`
}

type authResponsePayload struct {
	AccessToken string        `json:"accessToken"`
	TokenType   string        `json:"tokenType"`
	ExpiresIn   int64         `json:"expiresIn"`
	Identity    staff.Summary `json:"identity"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := h.bindMaybeEncrypted(c, &request); err != nil {
		h.writeBindError(c, err)
		return
	}

	result, err := h.staffService.Register(c.Request.Context(), staff.RegisterInput{
		FirstName:  request.FirstName,
		LastName:   request.LastName,
		Email:      request.Email,
		Secret:     request.Password,
		Phone:      request.Phone,
		Sector:     staff.Sector(request.Sector),
		Functions:  parseFunctions(request.Functions),
		Provider:   staff.Provider(request.Provider),
		ProviderID: request.ProviderID,
		PhotoURL:   request.PhotoURL,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, authResponse(result))
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := h.bindMaybeEncrypted(c, &request); err != nil {
		h.writeBindError(c, err)
		return
	}

	result, err := h.staffService.Login(c.Request.Context(), staff.LoginInput{
		Email:      request.Email,
		Secret:     request.Password,
		Provider:   staff.Provider(request.Provider),
		ProviderID: request.ProviderID,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse(result))
}

func (h *httpHandler) handleGoogleRedirect(c *gin.Context) {
	if h.oauth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "federated_login_unavailable"})
		return
	}

	state := uuid.NewString()
	c.SetCookie(oauthStateCookie, state, int((10 * time.Minute).Seconds()), "/", "", false, true)
	c.Redirect(http.StatusFound, h.oauth.AuthURL(state))
}

func (h *httpHandler) handleGoogleCallback(c *gin.Context) {
	if h.oauth == nil || h.verifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "federated_login_unavailable"})
		return
	}

	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if expected, err := c.Cookie(oauthStateCookie); err == nil && expected != "" {
		if c.Query("state") != expected {
			c.JSON(http.StatusBadRequest, gin.H{"error": "state_mismatch"})
			return
		}
	}

	rawIDToken, err := h.oauth.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.logger.Warn("google code exchange failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), rawIDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.staffService.FederatedAuth(c.Request.Context(), staff.FederatedInput{
		FirstName:  claims.GivenName,
		LastName:   claims.FamilyName,
		Email:      claims.Email,
		ProviderID: claims.Subject,
		PhotoURL:   claims.PictureURL,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	if h.frontendURL != "" {
		c.Redirect(http.StatusFound, fmt.Sprintf("%s/auth/callback?token=%s", h.frontendURL, result.Token))
		return
	}
	c.JSON(http.StatusOK, authResponse(result))
}

type forgotRequestPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleForgotPassword(c *gin.Context) {
	var request forgotRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.staffService.RequestPasswordReset(c.Request.Context(), request.Email); err != nil {
		h.writeServiceError(c, err)
		return
	}

	// Identical response whether or not the address is registered.
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type resetRequestPayload struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (h *httpHandler) handleResetPassword(c *gin.Context) {
	var request resetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.staffService.ResetPassword(c.Request.Context(), request.Token, request.Password); err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListSectors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"setores": staff.Sectors()})
}

func (h *httpHandler) handleListFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"funcoes": staff.Functions()})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	summary, err := h.staffService.Me(c.Request.Context(), c.GetUint(guard.SubjectIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type updateProfilePayload struct {
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Sector    string   `json:"sector"`
	Functions []string `json:"functions"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request updateProfilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	summary, err := h.staffService.UpdateProfile(c.Request.Context(), c.GetUint(guard.SubjectIDContextKey), staff.UpdateProfileInput{
		FirstName: request.FirstName,
		LastName:  request.LastName,
		Email:     request.Email,
		Phone:     request.Phone,
		Sector:    staff.Sector(request.Sector),
		Functions: parseFunctions(request.Functions),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	if h.activity != nil {
		h.activity.ForceLogout(c.GetUint(guard.SubjectIDContextKey))
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListIdentities(c *gin.Context) {
	summaries, err := h.staffService.ListIdentities(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": summaries})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(guard.SubjectIDContextKey, claims.SubjectID)
	c.Next()
}

func (h *httpHandler) trackActivity(c *gin.Context) {
	if h.activity != nil {
		h.activity.Touch(c.GetUint(guard.SubjectIDContextKey))
	}
	c.Next()
}

// bindMaybeEncrypted resolves the tagged union accepted by login and
// registration: either a plaintext structured body or a single encryptedData
// string holding the same structure sealed by the payload cipher. Both paths
// populate out identically.
func (h *httpHandler) bindMaybeEncrypted(c *gin.Context, out any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	var probe struct {
		EncryptedData string `json:"encryptedData"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}

	if probe.EncryptedData != "" {
		return h.cipher.DecryptObject(probe.EncryptedData, out)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// Malformed bodies and decryption failures get the same generic bad-request;
// neither the key nor the failure mode leaks.
func (h *httpHandler) writeBindError(c *gin.Context, err error) {
	if errors.Is(err, envelope.ErrDecryptFailed) {
		h.logger.Warn("payload decryption failed")
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, password.ErrMissingPassword),
		errors.Is(err, password.ErrWeakPassword),
		errors.Is(err, staff.ErrMissingSecret),
		errors.Is(err, staff.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, staff.ErrDuplicateEmail):
		c.JSON(http.StatusConflict, gin.H{"error": "email_in_use"})
	case errors.Is(err, staff.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, staff.ErrInvalidResetToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_token"})
	case errors.Is(err, staff.ErrExpiredResetToken):
		c.JSON(http.StatusGone, gin.H{"error": "expired_token"})
	case errors.Is(err, staff.ErrResetIdentityGone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
	case errors.Is(err, staff.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, envelope.ErrDecryptFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, mail.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mail_unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func authResponse(result staff.AuthResult) authResponsePayload {
	return authResponsePayload{
		AccessToken: result.Token,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
		Identity:    result.Identity,
	}
}

func parseFunctions(values []string) []staff.Function {
	if len(values) == 0 {
		return nil
	}
	functions := make([]staff.Function, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			functions = append(functions, staff.Function(trimmed))
		}
	}
	return functions
}
