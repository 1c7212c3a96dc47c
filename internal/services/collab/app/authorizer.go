package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	platformerrors "github.com/louisbranch/campaign-collab/internal/platform/errors"
)

const (
	tokenCookieName = "collab_token"
	bearerPrefix    = "Bearer "
)

// Identity is a verified actor allowed to open collaboration connections.
type Identity struct {
	ActorID     string
	DisplayName string
	// CampaignIDs restricts which rooms the actor may join. Empty means any.
	CampaignIDs []string
}

// CanJoin reports whether the identity may enter campaignID.
func (i Identity) CanJoin(campaignID string) bool {
	if len(i.CampaignIDs) == 0 {
		return true
	}
	return slices.Contains(i.CampaignIDs, campaignID)
}

// Authenticator turns an access token into a verified identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// TokenConfig configures EdDSA access token verification.
type TokenConfig struct {
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
	Now       func() time.Time
}

// TokenVerifier validates EdDSA-signed access tokens.
type TokenVerifier struct {
	cfg TokenConfig
}

type accessClaims struct {
	jwt.RegisteredClaims
	Name        string   `json:"name"`
	CampaignIDs []string `json:"campaign_ids,omitempty"`
}

// NewTokenVerifier validates cfg and returns a verifier.
func NewTokenVerifier(cfg TokenConfig) (*TokenVerifier, error) {
	if len(cfg.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("token public key must be an ed25519 public key")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenVerifier{cfg: cfg}, nil
}

// Authenticate verifies the token signature and claims.
func (v *TokenVerifier) Authenticate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, platformerrors.New(platformerrors.CodeAuthRequired, "access token is required")
	}

	var parsed accessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, mapJWTError(err)
	}

	if parsed.Issuer != v.cfg.Issuer {
		return Identity{}, platformerrors.WithMetadata(
			platformerrors.CodeAuthInvalid,
			"access token issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !slices.Contains([]string(parsed.Audience), v.cfg.Audience) {
		return Identity{}, platformerrors.WithMetadata(
			platformerrors.CodeAuthInvalid,
			"access token audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if parsed.ExpiresAt == nil {
		return Identity{}, platformerrors.New(platformerrors.CodeAuthInvalid, "access token exp is required")
	}
	now := v.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.After(now) {
		return Identity{}, platformerrors.New(platformerrors.CodeAuthExpired, "access token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return Identity{}, platformerrors.New(platformerrors.CodeAuthInvalid, "access token not active yet")
	}

	actorID := strings.TrimSpace(parsed.Subject)
	if actorID == "" {
		return Identity{}, platformerrors.New(platformerrors.CodeAuthInvalid, "access token sub is required")
	}
	name := strings.TrimSpace(parsed.Name)
	if name == "" {
		name = actorID
	}
	campaigns := make([]string, 0, len(parsed.CampaignIDs))
	for _, campaignID := range parsed.CampaignIDs {
		if campaignID = strings.TrimSpace(campaignID); campaignID != "" {
			campaigns = append(campaigns, campaignID)
		}
	}
	return Identity{ActorID: actorID, DisplayName: name, CampaignIDs: campaigns}, nil
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return platformerrors.Wrap(platformerrors.CodeAuthInvalid, "access token signature is invalid", err)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return platformerrors.Wrap(platformerrors.CodeAuthInvalid, "access token alg is invalid", err)
	}
	return platformerrors.Wrap(platformerrors.CodeAuthInvalid, "access token is invalid", err)
}

// ParsePublicKey decodes a base64 (standard or URL, padded or raw) ed25519
// public key.
func ParsePublicKey(value string) (ed25519.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("public key is empty")
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		decoded, err := enc.DecodeString(value)
		if err != nil {
			continue
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		return ed25519.PublicKey(decoded), nil
	}
	return nil, errors.New("public key is not valid base64")
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
