package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"rental-chat/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the participant identity issued by the marketplace login.
type Claims struct {
	UserID   int64                  `json:"userId"`
	UserType models.ParticipantKind `json:"userType"`
	jwt.RegisteredClaims
}

// Participant returns the participant reference encoded in the claims.
func (c Claims) Participant() models.ParticipantRef {
	return models.ParticipantRef{ID: c.UserID, Kind: c.UserType}
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses the token and returns the participant it identifies.
func (v *Verifier) Verify(tokenString string) (models.ParticipantRef, error) {
	if tokenString == "" {
		return models.ParticipantRef{}, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return models.ParticipantRef{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ref := claims.Participant()
	if err := ref.Validate(); err != nil {
		return models.ParticipantRef{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return ref, nil
}

// Issue signs a token for ref. The marketplace login issues real tokens; this is
// used by local tooling and tests.
func (v *Verifier) Issue(ref models.ParticipantRef, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   ref.ID,
		UserType: ref.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ref.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the token from the auth cookie, the Authorization
// header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
