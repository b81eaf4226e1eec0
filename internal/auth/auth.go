// Package auth validates the authenticated principal for paths whose
// policy enables the auth feature, and enforces the optional RBAC rules
// attached to that feature.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/dskow/premier-gateway/internal/apierror"
	"github.com/dskow/premier-gateway/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated identity extracted from a request,
// carrying the Subject that RBAC maps to roles alongside the raw JWT
// scopes for feature configs that check scopes instead of roles.
type Principal struct {
	Subject string
	Scopes  []string
}

// Authenticator validates bearer tokens or basic-auth credentials against
// one gateway-wide configuration, resolving the scheme from the matched
// path's AuthFeature.Type.
type Authenticator struct {
	cfg config.AuthConfig
}

// New builds an Authenticator over the gateway's global auth settings.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate validates r against feature's scheme, returning the
// resolved Principal or an apierror-taxonomy error (ErrUnauthenticated or
// ErrForbidden for a valid-but-under-scoped JWT).
func (a *Authenticator) Authenticate(r *http.Request, feature *config.AuthFeature) (*Principal, error) {
	switch feature.Type {
	case "basic":
		return a.authenticateBasic(r)
	case "jwt", "":
		return a.authenticateJWT(r)
	default:
		return nil, apierror.Wrap(apierror.ConfigInvalid, 0, fmt.Sprintf("unknown auth type %q", feature.Type), nil)
	}
}

func (a *Authenticator) authenticateBasic(r *http.Request) (*Principal, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, apierror.ErrUnauthenticated
	}
	want, exists := a.cfg.BasicUsers[user]
	if !exists || subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return nil, apierror.ErrUnauthenticated
	}
	return &Principal{Subject: user}, nil
}

func (a *Authenticator) authenticateJWT(r *http.Request) (*Principal, error) {
	tokenStr, ok := extractBearerToken(r)
	if !ok {
		return nil, apierror.ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apierror.Wrap(apierror.Unauthenticated, http.StatusUnauthorized, "invalid token", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, apierror.ErrUnauthenticated.WithMessage("invalid token claims")
	}

	p := &Principal{}
	if sub, ok := mapClaims["sub"].(string); ok {
		p.Subject = sub
	}
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		p.Scopes = strings.Fields(scopeStr)
	}

	if len(a.cfg.Scopes) > 0 {
		have := make(map[string]bool, len(p.Scopes))
		for _, s := range p.Scopes {
			have[s] = true
		}
		for _, required := range a.cfg.Scopes {
			if !have[required] {
				return nil, apierror.ErrForbidden.WithMessage("missing required scope: " + required)
			}
		}
	}

	return p, nil
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// Authorize enforces rbac against principal's effective role for the
// matched pattern: user_roles maps a subject to its role, falling back
// to default_role; route_permissions[pattern]
// lists the permissions the route requires; allow_any_permission switches
// between "any" and "all" semantics when a route requires more than one.
func Authorize(principal *Principal, rbac *config.RBACConfig, pattern string) error {
	if rbac == nil {
		return nil
	}

	required, ok := rbac.RoutePermissions[pattern]
	if !ok || len(required) == 0 {
		return nil
	}

	role, ok := rbac.UserRoles[principal.Subject]
	if !ok {
		role = rbac.DefaultRole
	}
	if role == "" {
		return apierror.ErrForbidden
	}

	granted := make(map[string]bool, len(rbac.Roles[role]))
	for _, perm := range rbac.Roles[role] {
		granted[perm] = true
	}

	if rbac.AllowAnyPermission {
		for _, perm := range required {
			if granted[perm] {
				return nil
			}
		}
		return apierror.ErrForbidden
	}

	for _, perm := range required {
		if !granted[perm] {
			return apierror.ErrForbidden
		}
	}
	return nil
}
