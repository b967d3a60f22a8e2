// ABOUTME: JWT token issuing and verification for clients, agents and admins
// ABOUTME: HS256 tokens carrying sub, role, companyId, name and email claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Role is the caller's role within its company.
type Role string

const (
	RoleClient  Role = "client"
	RoleAgent   Role = "agent"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a claim value to a Role. "user" is accepted for clients.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "client", "user":
		return RoleClient, true
	case "agent":
		return RoleAgent, true
	case "manager":
		return RoleManager, true
	case "admin":
		return RoleAdmin, true
	}
	return "", false
}

// Identity is the verified caller.
type Identity struct {
	UserID    string
	Role      Role
	CompanyID string
	Name      string
	Email     string
}

// IsStaff reports whether the identity works the queue (agent, manager or admin).
func (id *Identity) IsStaff() bool {
	return id.Role == RoleAgent || id.Role == RoleManager || id.Role == RoleAdmin
}

// IsAdmin reports whether the identity has the admin role.
func (id *Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// TokenVerifier turns a bearer token into an Identity.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the identity claims. sub and role
// are required; companyId is required for staff.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	roleClaim, _ := claims["role"].(string)
	role, ok := ParseRole(roleClaim)
	if !ok {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	id := &Identity{UserID: sub, Role: role}
	id.CompanyID, _ = claims["companyId"].(string)
	id.Name, _ = claims["name"].(string)
	id.Email, _ = claims["email"].(string)

	if id.IsStaff() && id.CompanyID == "" {
		return nil, fmt.Errorf("%w: companyId", ErrMissingClaim)
	}
	return id, nil
}

// Generate signs a token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.UserID,
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if id.CompanyID != "" {
		claims["companyId"] = id.CompanyID
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
