// Package guard evaluates role/sector authorization for protected routes.
// Every guard re-fetches the caller's current functions and sector instead of
// trusting the claim data baked into the session token at issuance time.
package guard

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumeneducacao/staffcore/backend/internal/staff"
)

// SubjectIDContextKey is the gin context key under which the authentication
// middleware stores the validated subject id.
const SubjectIDContextKey = "staffcore_subject_id"

// IdentityResolver loads the current identity for a validated subject.
type IdentityResolver interface {
	ResolveActive(ctx context.Context, identityID uint) (staff.Identity, error)
}

// RouteAccess is the explicit per-route allow-list configuration. An empty
// list leaves that dimension unrestricted.
type RouteAccess struct {
	AllowedFunctions []staff.Function
	AllowedSectors   []staff.Sector
}

// Allowed renders the access verdict for an identity against a route's
// allow-lists. Administrators always pass. When both lists are constrained the
// caller must satisfy both dimensions; when only one is constrained either
// dimension suffices.
func Allowed(identity staff.Identity, access RouteAccess) bool {
	if identity.Functions.Contains(staff.FunctionAdministrador) {
		return true
	}

	hasFunction := len(access.AllowedFunctions) == 0 || identity.Functions.ContainsAny(access.AllowedFunctions)
	hasSector := len(access.AllowedSectors) == 0 || sectorIn(identity.Sector, access.AllowedSectors)

	switch {
	case len(access.AllowedFunctions) > 0 && len(access.AllowedSectors) > 0:
		return hasFunction && hasSector
	case len(access.AllowedFunctions) > 0 || len(access.AllowedSectors) > 0:
		return hasFunction || hasSector
	default:
		return true
	}
}

// RequireAccess builds a middleware enforcing the given allow-lists.
func RequireAccess(resolver IdentityResolver, access RouteAccess, logger *zap.Logger) gin.HandlerFunc {
	return requireVerdict(resolver, logger, func(identity staff.Identity) bool {
		return Allowed(identity, access)
	})
}

// RequireAdmin builds a middleware allowing administrators only.
func RequireAdmin(resolver IdentityResolver, logger *zap.Logger) gin.HandlerFunc {
	return requireVerdict(resolver, logger, func(identity staff.Identity) bool {
		return identity.Functions.Contains(staff.FunctionAdministrador)
	})
}

// RequireAdminOrLead builds a middleware allowing administrators and any of
// the coordinator lead functions.
func RequireAdminOrLead(resolver IdentityResolver, logger *zap.Logger) gin.HandlerFunc {
	return requireVerdict(resolver, logger, func(identity staff.Identity) bool {
		return identity.Functions.Contains(staff.FunctionAdministrador) ||
			identity.Functions.ContainsAny(staff.LeadFunctions())
	})
}

func requireVerdict(resolver IdentityResolver, logger *zap.Logger, verdict func(staff.Identity) bool) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		subjectID := c.GetUint(SubjectIDContextKey)
		if subjectID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		identity, err := resolver.ResolveActive(c.Request.Context(), subjectID)
		if err != nil {
			if errors.Is(err, staff.ErrNotFound) {
				// Token subject no longer resolves to an active identity.
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
				return
			}
			logger.Error("guard identity fetch failed", zap.Uint("subject_id", subjectID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}

		if !verdict(identity) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Next()
	}
}

func sectorIn(sector staff.Sector, allowed []staff.Sector) bool {
	for _, candidate := range allowed {
		if candidate == sector {
			return true
		}
	}
	return false
}
