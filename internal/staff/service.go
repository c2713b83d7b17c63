package staff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/lumeneducacao/staffcore/backend/internal/mail"
	"github.com/lumeneducacao/staffcore/backend/internal/password"
)

// Provider selects which effective secret authenticates an identity: the
// user-chosen password for credentials, the federated provider id otherwise.
type Provider string

const (
	ProviderCredentials Provider = "credentials"
	ProviderGoogle      Provider = "google"
)

const defaultRecoveryTokenTTL = 30 * time.Minute

// DefaultFederatedSector is assigned when a federated sign-in creates an
// identity that no administrator has classified yet.
const DefaultFederatedSector = SectorAdministrativo

var (
	ErrInvalidInput       = errors.New("staff: invalid input")
	ErrDuplicateEmail     = errors.New("staff: email already registered")
	ErrInvalidCredentials = errors.New("staff: invalid credentials")
	ErrMissingSecret      = errors.New("staff: secret required")
	ErrNotFound           = errors.New("staff: identity not found")
	ErrInvalidResetToken  = errors.New("staff: invalid recovery token")
	ErrExpiredResetToken  = errors.New("staff: recovery token expired")
	ErrResetIdentityGone  = errors.New("staff: recovery token owner missing")
	ErrInternal           = errors.New("staff: internal error")

	errMissingDatabase = errors.New("database connection required")
	errMissingTokens   = errors.New("token issuer required")
)

// TokenIssuer issues session tokens for authenticated identities.
type TokenIssuer interface {
	Issue(subjectID uint, email, displayName string) (string, int64, error)
}

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Database         *gorm.DB
	Tokens           TokenIssuer
	Mail             mail.Dispatcher
	Clock            func() time.Time
	Logger           *zap.Logger
	RecoveryTokenTTL time.Duration
	FrontendBaseURL  string
}

// Service implements registration, login, federated sign-in, password
// recovery, and profile management over the relational identity store.
type Service struct {
	db          *gorm.DB
	tokens      TokenIssuer
	mail        mail.Dispatcher
	clock       func() time.Time
	logger      *zap.Logger
	recoveryTTL time.Duration
	frontendURL string
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("staff: %w", errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("staff: %w", errMissingTokens)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.RecoveryTokenTTL
	if ttl <= 0 {
		ttl = defaultRecoveryTokenTTL
	}
	return &Service{
		db:          cfg.Database,
		tokens:      cfg.Tokens,
		mail:        cfg.Mail,
		clock:       clock,
		logger:      logger,
		recoveryTTL: ttl,
		frontendURL: strings.TrimRight(cfg.FrontendBaseURL, "/"),
	}, nil
}

// Summary is the profile projection returned to clients. The password hash
// never leaves the service.
type Summary struct {
	ID          uint         `json:"id"`
	FirstName   string       `json:"firstName"`
	LastName    string       `json:"lastName"`
	DisplayName string       `json:"displayName"`
	Email       string       `json:"email"`
	Phone       string       `json:"phone,omitempty"`
	Sector      Sector       `json:"sector"`
	Functions   FunctionList `json:"functions"`
	PhotoURL    string       `json:"photoUrl,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// AuthResult bundles a freshly issued session token with the identity it
// belongs to.
type AuthResult struct {
	Token     string  `json:"token"`
	ExpiresIn int64   `json:"expiresIn"`
	Identity  Summary `json:"identity"`
}

// RegisterInput carries the fields accepted by Register.
type RegisterInput struct {
	FirstName  string
	LastName   string
	Email      string
	Secret     string
	Phone      string
	Sector     Sector
	Functions  []Function
	Provider   Provider
	ProviderID string
	PhotoURL   string
}

// LoginInput carries the fields accepted by Login.
type LoginInput struct {
	Email      string
	Secret     string
	Provider   Provider
	ProviderID string
}

// FederatedInput carries the verified provider claims consumed by FederatedAuth.
type FederatedInput struct {
	FirstName  string
	LastName   string
	Email      string
	ProviderID string
	PhotoURL   string
}

// Register creates a new identity and issues a session token. Password-based
// registrations must satisfy the password policy; federated registrations hash
// the opaque provider id instead.
func (s *Service) Register(ctx context.Context, input RegisterInput) (AuthResult, error) {
	email := NormalizeEmail(input.Email)
	if email == "" {
		return AuthResult{}, fmt.Errorf("%w: email required", ErrInvalidInput)
	}
	if strings.TrimSpace(input.FirstName) == "" || strings.TrimSpace(input.LastName) == "" {
		return AuthResult{}, fmt.Errorf("%w: first and last name required", ErrInvalidInput)
	}

	sector := input.Sector
	if sector == "" {
		sector = DefaultFederatedSector
	}
	if !ValidSector(sector) {
		return AuthResult{}, fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, sector)
	}

	functions := FunctionList(input.Functions)
	if len(functions) == 0 {
		functions = FunctionList{FunctionColaborador}
	}
	for _, function := range functions {
		if !ValidFunction(function) {
			return AuthResult{}, fmt.Errorf("%w: unknown function %q", ErrInvalidInput, function)
		}
	}

	effectiveSecret, err := s.effectiveRegistrationSecret(input)
	if err != nil {
		return AuthResult{}, err
	}

	if err := s.ensureEmailAvailable(ctx, email, 0); err != nil {
		return AuthResult{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(effectiveSecret), bcrypt.DefaultCost)
	if err != nil {
		s.logError("register", "hash_failed", err)
		return AuthResult{}, fmt.Errorf("%w: hashing secret", ErrInternal)
	}

	identity := Identity{
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		DisplayName:  ComposeDisplayName(input.FirstName, input.LastName),
		Email:        email,
		PasswordHash: string(hash),
		Phone:        strings.TrimSpace(input.Phone),
		Sector:       sector,
		Functions:    functions,
		PhotoURL:     strings.TrimSpace(input.PhotoURL),
	}

	if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return AuthResult{}, ErrDuplicateEmail
		}
		s.logError("register", "insert_failed", err, zap.String("email", email))
		return AuthResult{}, fmt.Errorf("%w: creating identity", ErrInternal)
	}

	return s.issueFor(identity)
}

func (s *Service) effectiveRegistrationSecret(input RegisterInput) (string, error) {
	if input.Provider == ProviderCredentials || input.Provider == "" {
		if err := password.Validate(input.Secret); err != nil {
			return "", err
		}
		return input.Secret, nil
	}
	// Federated: the provider id is the effective secret and the password
	// policy does not apply to opaque provider tokens.
	if input.ProviderID != "" {
		return input.ProviderID, nil
	}
	if input.Secret != "" {
		return input.Secret, nil
	}
	return "", ErrMissingSecret
}

// Login authenticates an identity and issues a session token. Unknown
// accounts, missing secrets, and hash mismatches all yield the same error so
// account existence is never leaked.
func (s *Service) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	effectiveSecret := input.Secret
	if input.Provider == ProviderGoogle {
		if input.ProviderID != "" {
			effectiveSecret = input.ProviderID
		}
	}
	if effectiveSecret == "" {
		return AuthResult{}, ErrInvalidCredentials
	}

	identity, err := s.findByEmail(ctx, NormalizeEmail(input.Email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(effectiveSecret)) != nil {
		return AuthResult{}, ErrInvalidCredentials
	}

	return s.issueFor(identity)
}

// FederatedAuth signs in a verified federated identity, registering it on
// first contact. When the stored hash no longer matches the provider id, the
// hash is rotated to the new value: the identity provider is treated as the
// source of truth for federated accounts.
func (s *Service) FederatedAuth(ctx context.Context, input FederatedInput) (AuthResult, error) {
	if strings.TrimSpace(input.ProviderID) == "" {
		return AuthResult{}, ErrMissingSecret
	}

	identity, err := s.findByEmail(ctx, NormalizeEmail(input.Email))
	if errors.Is(err, ErrNotFound) {
		return s.Register(ctx, RegisterInput{
			FirstName:  input.FirstName,
			LastName:   input.LastName,
			Email:      input.Email,
			Provider:   ProviderGoogle,
			ProviderID: input.ProviderID,
			Sector:     DefaultFederatedSector,
			PhotoURL:   input.PhotoURL,
		})
	}
	if err != nil {
		return AuthResult{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(input.ProviderID)) != nil {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(input.ProviderID), bcrypt.DefaultCost)
		if hashErr != nil {
			s.logError("federated_auth", "hash_failed", hashErr)
			return AuthResult{}, fmt.Errorf("%w: hashing secret", ErrInternal)
		}
		if updateErr := s.db.WithContext(ctx).Model(&identity).
			Update("password_hash", string(hash)).Error; updateErr != nil {
			s.logError("federated_auth", "rotate_failed", updateErr, zap.Uint("identity_id", identity.ID))
			return AuthResult{}, fmt.Errorf("%w: rotating secret", ErrInternal)
		}
		identity.PasswordHash = string(hash)
	}

	return s.issueFor(identity)
}

// Me returns the current profile projection for the identity.
func (s *Service) Me(ctx context.Context, identityID uint) (Summary, error) {
	identity, err := s.ResolveActive(ctx, identityID)
	if err != nil {
		return Summary{}, err
	}
	return summarize(identity), nil
}

// ResolveActive fetches the identity by id, excluding soft-deleted rows.
// Authorization guards call this on every protected request so access
// decisions never trust stale claim data.
func (s *Service) ResolveActive(ctx context.Context, identityID uint) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).First(&identity, identityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		s.logError("resolve", "select_failed", err, zap.Uint("identity_id", identityID))
		return Identity{}, fmt.Errorf("%w: loading identity", ErrInternal)
	}
	return identity, nil
}

// RequestPasswordReset creates a recovery token and dispatches the reset link.
// Unknown addresses are a silent no-op so the endpoint never reveals whether
// an account exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	// The transport check precedes the lookup so a degraded deployment answers
	// identically for known and unknown addresses.
	if s.mail == nil {
		return mail.ErrNotConfigured
	}

	identity, err := s.findByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	token := RecoveryToken{
		IdentityID: identity.ID,
		Token:      strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""),
		ExpiresAt:  now.Add(s.recoveryTTL),
	}
	if err := s.db.WithContext(ctx).Create(&token).Error; err != nil {
		s.logError("request_reset", "token_insert_failed", err, zap.Uint("identity_id", identity.ID))
		return fmt.Errorf("%w: creating recovery token", ErrInternal)
	}

	resetLink := fmt.Sprintf("%s/reset-password?token=%s", s.frontendURL, token.Token)
	if err := s.mail.SendPasswordRecovery(ctx, identity.Email, resetLink); err != nil {
		s.logError("request_reset", "mail_failed", err, zap.Uint("identity_id", identity.ID))
		return fmt.Errorf("%w: dispatching recovery mail", ErrInternal)
	}

	s.logger.Info("password recovery dispatched", zap.Uint("identity_id", identity.ID))
	return nil
}

// ResetPassword redeems a recovery token exactly once: the new secret is
// hashed and stored and the token row deleted in a single transaction so a
// crash cannot leave a redeemed token alive.
func (s *Service) ResetPassword(ctx context.Context, token, newSecret string) error {
	if err := password.Validate(newSecret); err != nil {
		return err
	}

	var recovery RecoveryToken
	err := s.db.WithContext(ctx).Where("token = ?", strings.TrimSpace(token)).First(&recovery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvalidResetToken
	}
	if err != nil {
		s.logError("reset", "token_select_failed", err)
		return fmt.Errorf("%w: loading recovery token", ErrInternal)
	}

	if s.clock().UTC().After(recovery.ExpiresAt) {
		// Expired rows stay in place; they are inert and purged by nothing.
		return ErrExpiredResetToken
	}

	identity, err := s.ResolveActive(ctx, recovery.IdentityID)
	if errors.Is(err, ErrNotFound) {
		return ErrResetIdentityGone
	}
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), bcrypt.DefaultCost)
	if err != nil {
		s.logError("reset", "hash_failed", err)
		return fmt.Errorf("%w: hashing secret", ErrInternal)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Identity{}).Where("id = ?", identity.ID).
			Update("password_hash", string(hash)).Error; err != nil {
			return err
		}
		return tx.Delete(&RecoveryToken{}, recovery.ID).Error
	})
	if txErr != nil {
		s.logError("reset", "tx_failed", txErr, zap.Uint("identity_id", identity.ID))
		return fmt.Errorf("%w: persisting new secret", ErrInternal)
	}

	s.logger.Info("password reset completed", zap.Uint("identity_id", identity.ID))
	return nil
}

// UpdateProfileInput carries the fields accepted by UpdateProfile. Zero-valued
// fields are left unchanged.
type UpdateProfileInput struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Sector    Sector
	Functions []Function
}

// UpdateProfile persists the supplied profile fields. Email uniqueness is
// re-checked only when the normalized address actually changed, so saving an
// unchanged profile never trips a self-conflict.
func (s *Service) UpdateProfile(ctx context.Context, identityID uint, input UpdateProfileInput) (Summary, error) {
	identity, err := s.ResolveActive(ctx, identityID)
	if err != nil {
		return Summary{}, err
	}

	updates := map[string]interface{}{}

	if name := strings.TrimSpace(input.FirstName); name != "" && name != identity.FirstName {
		identity.FirstName = name
		updates["first_name"] = name
	}
	if name := strings.TrimSpace(input.LastName); name != "" && name != identity.LastName {
		identity.LastName = name
		updates["last_name"] = name
	}

	if email := NormalizeEmail(input.Email); email != "" && email != identity.Email {
		if err := s.ensureEmailAvailable(ctx, email, identity.ID); err != nil {
			return Summary{}, err
		}
		identity.Email = email
		updates["email"] = email
	}

	if phone := strings.TrimSpace(input.Phone); phone != "" && phone != identity.Phone {
		identity.Phone = phone
		updates["phone"] = phone
	}

	if input.Sector != "" && input.Sector != identity.Sector {
		if !ValidSector(input.Sector) {
			return Summary{}, fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, input.Sector)
		}
		identity.Sector = input.Sector
		updates["sector"] = input.Sector
	}

	if len(input.Functions) > 0 {
		for _, function := range input.Functions {
			if !ValidFunction(function) {
				return Summary{}, fmt.Errorf("%w: unknown function %q", ErrInvalidInput, function)
			}
		}
		identity.Functions = FunctionList(input.Functions)
		updates["functions"] = identity.Functions
	}

	if display := ComposeDisplayName(identity.FirstName, identity.LastName); display != identity.DisplayName {
		identity.DisplayName = display
		updates["display_name"] = display
	}

	if len(updates) == 0 {
		return summarize(identity), nil
	}

	if err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("id = ?", identity.ID).
		Updates(updates).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Summary{}, ErrDuplicateEmail
		}
		s.logError("update_profile", "update_failed", err, zap.Uint("identity_id", identity.ID))
		return Summary{}, fmt.Errorf("%w: updating profile", ErrInternal)
	}

	identity.UpdatedAt = s.clock().UTC()
	return summarize(identity), nil
}

// ListIdentities returns every active identity, newest first. Administrative
// callers only; the router mounts this behind the admin guard.
func (s *Service) ListIdentities(ctx context.Context) ([]Summary, error) {
	var identities []Identity
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&identities).Error; err != nil {
		s.logError("list", "query_failed", err)
		return nil, fmt.Errorf("%w: listing identities", ErrInternal)
	}
	summaries := make([]Summary, 0, len(identities))
	for _, identity := range identities {
		summaries = append(summaries, summarize(identity))
	}
	return summaries, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (Identity, error) {
	if email == "" {
		return Identity{}, ErrNotFound
	}
	var identity Identity
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		s.logError("find_by_email", "select_failed", err)
		return Identity{}, fmt.Errorf("%w: loading identity", ErrInternal)
	}
	return identity, nil
}

func (s *Service) ensureEmailAvailable(ctx context.Context, email string, excludeID uint) error {
	query := s.db.WithContext(ctx).Model(&Identity{}).Where("email = ?", email)
	if excludeID != 0 {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		s.logError("email_check", "count_failed", err)
		return fmt.Errorf("%w: checking email uniqueness", ErrInternal)
	}
	if count > 0 {
		return ErrDuplicateEmail
	}
	return nil
}

func (s *Service) issueFor(identity Identity) (AuthResult, error) {
	token, expiresIn, err := s.tokens.Issue(identity.ID, identity.Email, identity.DisplayName)
	if err != nil {
		s.logError("issue_token", "issue_failed", err, zap.Uint("identity_id", identity.ID))
		return AuthResult{}, fmt.Errorf("%w: issuing session token", ErrInternal)
	}
	return AuthResult{Token: token, ExpiresIn: expiresIn, Identity: summarize(identity)}, nil
}

func summarize(identity Identity) Summary {
	return Summary{
		ID:          identity.ID,
		FirstName:   identity.FirstName,
		LastName:    identity.LastName,
		DisplayName: identity.DisplayName,
		Email:       identity.Email,
		Phone:       identity.Phone,
		Sector:      identity.Sector,
		Functions:   identity.Functions,
		PhotoURL:    identity.PhotoURL,
		CreatedAt:   identity.CreatedAt,
		UpdatedAt:   identity.UpdatedAt,
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("staff service error", attrs...)
}
