package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/televip/televip-backend/pkg/config"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// PurposeBillingPortal marks single-use tokens that open the provider's
// billing portal. Tokens minted for any other purpose must be rejected
// by the portal redirect.
const PurposeBillingPortal = "billing_portal"

// PortalTokenClaims is the typed JWT handed to subscribers for the
// billing-portal deep link.
type PortalTokenClaims struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	TelegramID     int64     `json:"telegram_id"`
	Purpose        string    `json:"purpose"`
	jwt.RegisteredClaims
}

// MintPortalToken issues a signed, time-boxed billing-portal token.
func MintPortalToken(cfg config.PortalConfig, now time.Time, subscriptionID uuid.UUID, telegramID int64) (string, error) {
	if cfg.TokenSecret == "" {
		return "", fmt.Errorf("portal token secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return "", fmt.Errorf("portal token ttl must be positive")
	}

	claims := PortalTokenClaims{
		SubscriptionID: subscriptionID,
		TelegramID:     telegramID,
		Purpose:        PurposeBillingPortal,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	signed, err := token.SignedString([]byte(cfg.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("signing portal token: %w", err)
	}
	return signed, nil
}

// ParsePortalToken validates the JWT string and enforces the
// billing-portal purpose.
func ParsePortalToken(cfg config.PortalConfig, tokenString string) (*PortalTokenClaims, error) {
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("portal token secret is required")
	}

	claims := &PortalTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.TokenSecret), nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
	)
	if err != nil {
		return nil, err
	}

	if claims.Purpose != PurposeBillingPortal {
		return nil, fmt.Errorf("token purpose %q is not valid for the billing portal", claims.Purpose)
	}

	return claims, nil
}
