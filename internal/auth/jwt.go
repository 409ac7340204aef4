package auth

import (
	"errors"
	"fmt"
	"time"

	"budget_gateway/internal/config"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for tokens that fail signature or shape checks
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for tokens past their expiry
	ErrTokenExpired = errors.New("token expired")
)

// IdentityClaims are the claims carried by an agent identity (IC) token.
// The token proves who the agent is; it carries no secrets.
type IdentityClaims struct {
	AgentID uuid.UUID `json:"agent_id"`
	Role    string    `json:"role"`
	jwt.RegisteredClaims
}

// GenerateIdentityToken mints a signed, short-lived IC token for an agent
func GenerateIdentityToken(agentID uuid.UUID, cfg *config.Config) (string, int64, error) {
	expires := time.Now().Add(cfg.Auth.IdentityTokenTTL)
	claims := IdentityClaims{
		AgentID: agentID,
		Role:    RoleAgent.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, expires.Unix(), nil
}

// ValidateIdentityToken verifies an IC token's signature and expiry and
// returns its claims. Validation happens on every handshake/report/refresh/
// return call.
func ValidateIdentityToken(tokenString string, cfg *config.Config) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.AgentID == uuid.Nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// AdminClaims are the claims carried by an admin JWT issued to workflow
// operators. ApproverID identifies the authenticated principal; it is the
// only source of approver identity, never client payloads.
type AdminClaims struct {
	ApproverID string   `json:"approver_id"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// GenerateAdminToken mints a signed admin JWT for a workflow principal
func GenerateAdminToken(approverID string, roles []string, cfg *config.Config) (string, int64, error) {
	expires := time.Now().Add(cfg.Auth.AdminTokenTTL)
	claims := AdminClaims{
		ApproverID: approverID,
		Roles:      roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approverID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, expires.Unix(), nil
}

// ValidateAdminToken verifies an admin JWT and returns its claims
func ValidateAdminToken(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ApproverID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
