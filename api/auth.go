package api

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"realtime-service/domain"
)

// Authenticator resolves an Authorization header into a Principal.
type Authenticator interface {
	PrincipalFromAuthHeader(string) (domain.Principal, error)
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser *jwt.Parser
}

// NewAuth creates a new Auth instance. With AUTH0_TEST_MODE=1 tokens are
// verified against TEST_JWT_SECRET using HMAC instead of the JWKS.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Audience: audience, Issuer: issuer}
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			panic("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		a.TestMode = true
		a.TestSecret = []byte(secret)
	}
	if a.TestMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// PrincipalFromAuthHeader extracts the authenticated principal from the
// Authorization header.
func (a *Auth) PrincipalFromAuthHeader(h string) (domain.Principal, error) {
	var zero domain.Principal
	if h == "" {
		return zero, errors.New("missing authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return zero, errors.New("bad auth header")
	}

	tokenStr := parts[1]
	if strings.Count(tokenStr, ".") != 2 {
		return zero, errors.New("bad auth header")
	}

	var token *jwt.Token
	var err error
	if a.TestMode {
		token, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		if a.JWKS == nil {
			return zero, errors.New("jwks not configured")
		}
		token, err = a.parser.Parse(tokenStr, a.JWKS.Keyfunc)
	}
	if err != nil {
		return zero, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return zero, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return zero, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return zero, errors.New("token not valid yet")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return zero, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return zero, errors.New("invalid issuer")
	}

	return principalFromClaims(claims)
}

// principalFromClaims maps token claims onto the principal: sub is the user
// id, org_id scopes the tenant, role defaults to member when absent.
func principalFromClaims(claims jwt.MapClaims) (domain.Principal, error) {
	var zero domain.Principal

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return zero, errors.New("missing sub")
	}
	orgID, ok := claims["org_id"].(string)
	if !ok || orgID == "" {
		return zero, errors.New("missing org_id")
	}

	p := domain.Principal{ID: sub, OrganizationID: orgID, Role: domain.RoleMember}
	if role, ok := claims["role"].(string); ok && role != "" {
		p.Role = domain.Role(role)
	}
	if raw, ok := claims["permissions"].([]any); ok {
		for _, v := range raw {
			if perm, ok := v.(string); ok {
				p.Permissions = append(p.Permissions, perm)
			}
		}
	}
	return p, nil
}
