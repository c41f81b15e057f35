package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleJoinLeaveGroup lets a client join and leave session groups.
	RoleJoinLeaveGroup = "webpubsub.joinLeaveGroup"
	tokenIssuer        = "kudos-pass"
)

var (
	// ErrUnavailable is returned when push subscriptions are not configured.
	ErrUnavailable = errors.New("realtime: push unavailable")
	// ErrInvalidToken is returned for malformed, expired or forged access tokens.
	ErrInvalidToken = errors.New("realtime: invalid access token")
)

// AccessClaims are carried by a client access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// CanJoinGroups reports whether the token grants group membership changes.
func (c AccessClaims) CanJoinGroups() bool {
	for _, role := range c.Roles {
		if role == RoleJoinLeaveGroup {
			return true
		}
	}
	return false
}

// Negotiator issues websocket subscription URLs with short-lived access tokens.
type Negotiator struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewNegotiator returns a Negotiator. baseURL is the public http(s) or ws(s)
// origin; an empty secret disables negotiation.
func NewNegotiator(secret, baseURL string, ttl time.Duration) *Negotiator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Negotiator{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Available reports whether SubscriptionURL can succeed.
func (n *Negotiator) Available() bool {
	return n != nil && len(n.secret) > 0 && n.baseURL != ""
}

// SubscriptionURL returns the websocket URL a client connects to as userID.
func (n *Negotiator) SubscriptionURL(userID string) (string, error) {
	if !n.Available() {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(userID) == "" {
		userID = "anon"
	}

	now := n.now().UTC()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(n.ttl)),
		},
		Roles: []string{RoleJoinLeaveGroup},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return websocketBase(n.baseURL) + "/api/realtime/ws?access_token=" + url.QueryEscape(token), nil
}

// Verify parses and validates an access token.
func (n *Negotiator) Verify(token string) (AccessClaims, error) {
	if !n.Available() {
		return AccessClaims{}, ErrUnavailable
	}
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return n.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(n.now),
	)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func websocketBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
