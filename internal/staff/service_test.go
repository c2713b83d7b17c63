package staff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/lumeneducacao/staffcore/backend/internal/auth"
	"github.com/lumeneducacao/staffcore/backend/internal/mail"
	"github.com/lumeneducacao/staffcore/backend/internal/password"
)

type recordingDispatcher struct {
	emails []string
	links  []string
	err    error
}

func (d *recordingDispatcher) SendPasswordRecovery(_ context.Context, email, resetLink string) error {
	if d.err != nil {
		return d.err
	}
	d.emails = append(d.emails, email)
	d.links = append(d.links, resetLink)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Identity{}, &RecoveryToken{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_staff_identities_email_active ON staff_identities(email) WHERE deleted_at IS NULL;").Error; err != nil {
		t.Fatalf("failed to create unique email index: %v", err)
	}
	return db
}

type serviceFixture struct {
	service    *Service
	db         *gorm.DB
	issuer     *auth.TokenIssuer
	dispatcher *recordingDispatcher
	now        *time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := openTestDB(t)
	current := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "staffcore-auth",
		Audience:      "staffcore-api",
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	dispatcher := &recordingDispatcher{}
	service, err := NewService(ServiceConfig{
		Database:        db,
		Tokens:          issuer,
		Mail:            dispatcher,
		Clock:           clock,
		FrontendBaseURL: "https://app.example.com",
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return &serviceFixture{service: service, db: db, issuer: issuer, dispatcher: dispatcher, now: &current}
}

func registerDefault(t *testing.T, fixture *serviceFixture, email string) AuthResult {
	t.Helper()
	result, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Ana",
		LastName:  "Souza",
		Email:     email,
		Secret:    "Abcdef1!",
		Sector:    SectorFinanceiro,
		Functions: []Function{FunctionColaborador},
		Provider:  ProviderCredentials,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return result
}

func TestRegisterThenLoginYieldsMatchingSubject(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")

	result, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "ana@example.com",
		Secret:   "Abcdef1!",
		Provider: ProviderCredentials,
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	claims, err := fixture.issuer.Validate(result.Token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.SubjectID != registered.Identity.ID {
		t.Fatalf("claim subject %d does not match registered id %d", claims.SubjectID, registered.Identity.ID)
	}
	if result.Identity.DisplayName != "Ana Souza" {
		t.Fatalf("unexpected display name %q", result.Identity.DisplayName)
	}
}

func TestRegisterDuplicateEmailIsCaseAndSpaceInsensitive(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "Ana@Example.com ")

	_, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Outra",
		LastName:  "Pessoa",
		Email:     "  ana@EXAMPLE.com",
		Secret:    "Abcdef1!",
		Sector:    SectorMarketing,
		Provider:  ProviderCredentials,
	})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	fixture := newServiceFixture(t)
	_, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Ana",
		LastName:  "Souza",
		Email:     "ana@example.com",
		Secret:    "alllowercase1!",
		Sector:    SectorFinanceiro,
		Provider:  ProviderCredentials,
	})
	if !errors.Is(err, password.ErrWeakPassword) {
		t.Fatalf("expected weak password error, got %v", err)
	}
}

func TestRegisterDefaultsFunctionsWhenOmitted(t *testing.T) {
	fixture := newServiceFixture(t)
	result, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Ana",
		LastName:  "Souza",
		Email:     "ana@example.com",
		Secret:    "Abcdef1!",
		Sector:    SectorFinanceiro,
		Provider:  ProviderCredentials,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(result.Identity.Functions) != 1 || result.Identity.Functions[0] != FunctionColaborador {
		t.Fatalf("expected default COLABORADOR function, got %v", result.Identity.Functions)
	}
}

func TestLoginUnknownAccountAndWrongSecretShareOneError(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "ana@example.com")

	_, wrongSecretErr := fixture.service.Login(context.Background(), LoginInput{
		Email:    "ana@example.com",
		Secret:   "Wrong-pass1!",
		Provider: ProviderCredentials,
	})
	_, unknownErr := fixture.service.Login(context.Background(), LoginInput{
		Email:    "nosuch@example.com",
		Secret:   "Whatever1!",
		Provider: ProviderCredentials,
	})

	if !errors.Is(wrongSecretErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong secret, got %v", wrongSecretErr)
	}
	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", unknownErr)
	}
}

func TestFederatedAuthRegistersNewIdentityWithDefaults(t *testing.T) {
	fixture := newServiceFixture(t)

	result, err := fixture.service.FederatedAuth(context.Background(), FederatedInput{
		FirstName:  "Bruno",
		LastName:   "Lima",
		Email:      "bruno@example.com",
		ProviderID: "google-subject-123",
		PhotoURL:   "https://example.com/avatar.png",
	})
	if err != nil {
		t.Fatalf("federated auth failed: %v", err)
	}
	if result.Identity.Sector != DefaultFederatedSector {
		t.Fatalf("expected default sector, got %q", result.Identity.Sector)
	}
	if !result.Identity.Functions.Contains(FunctionColaborador) {
		t.Fatalf("expected default function, got %v", result.Identity.Functions)
	}

	// Returning with the same provider id signs in without a new row.
	again, err := fixture.service.FederatedAuth(context.Background(), FederatedInput{
		Email:      "bruno@example.com",
		ProviderID: "google-subject-123",
	})
	if err != nil {
		t.Fatalf("second federated auth failed: %v", err)
	}
	if again.Identity.ID != result.Identity.ID {
		t.Fatalf("expected same identity, got %d and %d", again.Identity.ID, result.Identity.ID)
	}
}

func TestFederatedAuthRotatesHashOnProviderMismatch(t *testing.T) {
	fixture := newServiceFixture(t)
	first, err := fixture.service.FederatedAuth(context.Background(), FederatedInput{
		FirstName:  "Bruno",
		LastName:   "Lima",
		Email:      "bruno@example.com",
		ProviderID: "old-provider-id",
	})
	if err != nil {
		t.Fatalf("federated auth failed: %v", err)
	}

	if _, err := fixture.service.FederatedAuth(context.Background(), FederatedInput{
		Email:      "bruno@example.com",
		ProviderID: "new-provider-id",
	}); err != nil {
		t.Fatalf("expected rotation instead of rejection, got %v", err)
	}

	var stored Identity
	if err := fixture.db.First(&stored, first.Identity.ID).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("new-provider-id")) != nil {
		t.Fatalf("stored hash does not reflect the rotated provider id")
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("old-provider-id")) == nil {
		t.Fatalf("stored hash still matches the old provider id")
	}
}

func TestRequestPasswordResetDispatchesTokenLink(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")

	if err := fixture.service.RequestPasswordReset(context.Background(), "Ana@Example.com"); err != nil {
		t.Fatalf("request reset failed: %v", err)
	}

	if len(fixture.dispatcher.emails) != 1 || fixture.dispatcher.emails[0] != "ana@example.com" {
		t.Fatalf("expected one recovery mail to the account address, got %v", fixture.dispatcher.emails)
	}

	var token RecoveryToken
	if err := fixture.db.Where("identity_id = ?", registered.Identity.ID).First(&token).Error; err != nil {
		t.Fatalf("expected a recovery token row: %v", err)
	}
	if token.ExpiresAt.Sub(token.CreatedAt) <= 0 {
		t.Fatalf("expected expiry after creation, got %v / %v", token.CreatedAt, token.ExpiresAt)
	}
	expectedLink := "https://app.example.com/reset-password?token=" + token.Token
	if fixture.dispatcher.links[0] != expectedLink {
		t.Fatalf("unexpected reset link %q, want %q", fixture.dispatcher.links[0], expectedLink)
	}
}

func TestRequestPasswordResetUnknownEmailHasNoSideEffects(t *testing.T) {
	fixture := newServiceFixture(t)

	if err := fixture.service.RequestPasswordReset(context.Background(), "nosuch@example.com"); err != nil {
		t.Fatalf("expected silent success for unknown email, got %v", err)
	}
	if len(fixture.dispatcher.emails) != 0 {
		t.Fatalf("expected no mail dispatched, got %v", fixture.dispatcher.emails)
	}
	var count int64
	if err := fixture.db.Model(&RecoveryToken{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no token rows, got %d", count)
	}
}

func TestRequestPasswordResetWithoutMailTransport(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "ana@example.com")

	service, err := NewService(ServiceConfig{
		Database: fixture.db,
		Tokens:   fixture.issuer,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if err := service.RequestPasswordReset(context.Background(), "ana@example.com"); !errors.Is(err, mail.ErrNotConfigured) {
		t.Fatalf("expected mail.ErrNotConfigured, got %v", err)
	}
	// Known and unknown addresses answer identically when mail is down, so the
	// degraded endpoint cannot be used to probe for accounts.
	if err := service.RequestPasswordReset(context.Background(), "nosuch@example.com"); !errors.Is(err, mail.ErrNotConfigured) {
		t.Fatalf("expected mail.ErrNotConfigured for unknown email too, got %v", err)
	}
}

func TestResetPasswordRedeemsTokenExactlyOnce(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "ana@example.com")
	if err := fixture.service.RequestPasswordReset(context.Background(), "ana@example.com"); err != nil {
		t.Fatalf("request reset failed: %v", err)
	}

	var token RecoveryToken
	if err := fixture.db.First(&token).Error; err != nil {
		t.Fatalf("failed to load token: %v", err)
	}

	if err := fixture.service.ResetPassword(context.Background(), token.Token, "Newpass1!"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	if _, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "ana@example.com",
		Secret:   "Newpass1!",
		Provider: ProviderCredentials,
	}); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "ana@example.com",
		Secret:   "Abcdef1!",
		Provider: ProviderCredentials,
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to stop working, got %v", err)
	}

	if err := fixture.service.ResetPassword(context.Background(), token.Token, "Another1!"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken on second redemption, got %v", err)
	}
}

func TestResetPasswordRejectsExpiredToken(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "ana@example.com")
	if err := fixture.service.RequestPasswordReset(context.Background(), "ana@example.com"); err != nil {
		t.Fatalf("request reset failed: %v", err)
	}

	var token RecoveryToken
	if err := fixture.db.First(&token).Error; err != nil {
		t.Fatalf("failed to load token: %v", err)
	}

	*fixture.now = fixture.now.Add(31 * time.Minute)
	if err := fixture.service.ResetPassword(context.Background(), token.Token, "Newpass1!"); !errors.Is(err, ErrExpiredResetToken) {
		t.Fatalf("expected ErrExpiredResetToken, got %v", err)
	}

	// Expired rows are inert but stay in place.
	var count int64
	if err := fixture.db.Model(&RecoveryToken{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count tokens: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected expired token row to remain, got %d", count)
	}
}

func TestResetPasswordRejectsUnknownToken(t *testing.T) {
	fixture := newServiceFixture(t)
	if err := fixture.service.ResetPassword(context.Background(), "no-such-token", "Newpass1!"); !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken, got %v", err)
	}
}

func TestResetPasswordRejectsDeletedOwner(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")
	if err := fixture.service.RequestPasswordReset(context.Background(), "ana@example.com"); err != nil {
		t.Fatalf("request reset failed: %v", err)
	}
	if err := fixture.db.Delete(&Identity{}, registered.Identity.ID).Error; err != nil {
		t.Fatalf("failed to soft-delete identity: %v", err)
	}

	var token RecoveryToken
	if err := fixture.db.First(&token).Error; err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if err := fixture.service.ResetPassword(context.Background(), token.Token, "Newpass1!"); !errors.Is(err, ErrResetIdentityGone) {
		t.Fatalf("expected ErrResetIdentityGone, got %v", err)
	}
}

func TestSoftDeletedIdentityIsInvisible(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")
	if err := fixture.db.Delete(&Identity{}, registered.Identity.ID).Error; err != nil {
		t.Fatalf("failed to soft-delete identity: %v", err)
	}

	if _, err := fixture.service.Me(context.Background(), registered.Identity.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
	if _, err := fixture.service.Login(context.Background(), LoginInput{
		Email:    "ana@example.com",
		Secret:   "Abcdef1!",
		Provider: ProviderCredentials,
	}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected login to fail after soft delete, got %v", err)
	}

	// The email is free again for a fresh registration.
	if _, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Ana",
		LastName:  "Nova",
		Email:     "ana@example.com",
		Secret:    "Abcdef1!",
		Sector:    SectorFinanceiro,
		Provider:  ProviderCredentials,
	}); err != nil {
		t.Fatalf("expected re-registration after soft delete, got %v", err)
	}
}

func TestUpdateProfileSkipsSelfConflictOnUnchangedEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")

	summary, err := fixture.service.UpdateProfile(context.Background(), registered.Identity.ID, UpdateProfileInput{
		Email: "  ANA@example.com ",
		Phone: "11999990000",
	})
	if err != nil {
		t.Fatalf("expected update with own email to succeed, got %v", err)
	}
	if summary.Phone != "11999990000" {
		t.Fatalf("expected phone to persist, got %q", summary.Phone)
	}
	if summary.Email != "ana@example.com" {
		t.Fatalf("expected email untouched, got %q", summary.Email)
	}
}

func TestUpdateProfileRejectsTakenEmail(t *testing.T) {
	fixture := newServiceFixture(t)
	registerDefault(t, fixture, "ana@example.com")
	other, err := fixture.service.Register(context.Background(), RegisterInput{
		FirstName: "Bruno",
		LastName:  "Lima",
		Email:     "bruno@example.com",
		Secret:    "Abcdef1!",
		Sector:    SectorEventos,
		Provider:  ProviderCredentials,
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := fixture.service.UpdateProfile(context.Background(), other.Identity.ID, UpdateProfileInput{
		Email: "ANA@example.com",
	}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestUpdateProfileRegeneratesDisplayName(t *testing.T) {
	fixture := newServiceFixture(t)
	registered := registerDefault(t, fixture, "ana@example.com")

	summary, err := fixture.service.UpdateProfile(context.Background(), registered.Identity.ID, UpdateProfileInput{
		FirstName: "Mariana",
		Sector:    SectorPedagogico,
		Functions: []Function{FunctionProfessor, FunctionCoordenadorGeral},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if summary.DisplayName != "Mariana Souza" {
		t.Fatalf("expected regenerated display name, got %q", summary.DisplayName)
	}
	if summary.Sector != SectorPedagogico {
		t.Fatalf("expected sector update, got %q", summary.Sector)
	}

	var stored Identity
	if err := fixture.db.First(&stored, registered.Identity.ID).Error; err != nil {
		t.Fatalf("failed to reload identity: %v", err)
	}
	if stored.DisplayName != "Mariana Souza" {
		t.Fatalf("expected persisted display name, got %q", stored.DisplayName)
	}
	if len(stored.Functions) != 2 || stored.Functions[0] != FunctionProfessor {
		t.Fatalf("expected persisted functions, got %v", stored.Functions)
	}
}
