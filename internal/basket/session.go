package basket

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fieldworks/festops/internal/model"
)

// sessionTTL bounds how long a basket token stays valid. Reservations
// themselves expire sooner via the sweep; the token just needs to
// outlive them.
const sessionTTL = 24 * time.Hour

// Session is the basket state carried in the client's cookie: a list of
// purchase ids and the selected currency. The contents are signed but
// not trusted; ids are always re-validated against the database on load.
type Session struct {
	PurchaseIDs []int64
	Currency    model.Currency
}

// SessionFromBasket captures the ids worth carrying forward: every
// purchase currently backing a line.
func SessionFromBasket(b *Basket) Session {
	s := Session{Currency: b.Currency}
	for _, l := range b.Lines {
		for _, p := range l.Purchases {
			s.PurchaseIDs = append(s.PurchaseIDs, p.ID)
		}
	}
	return s
}

// EncodeSession signs the session into an HS256 JWT for the cookie.
func EncodeSession(secret string, s Session) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"purchases": s.PurchaseIDs,
		"currency":  string(s.Currency),
		"exp":       now.Add(sessionTTL).Unix(),
		"iat":       now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}

// DecodeSession verifies a basket token and unpacks its contents. An
// expired or tampered token yields an error; callers treat that as an
// empty basket.
func DecodeSession(secret, token string) (Session, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("basket token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Session{}, fmt.Errorf("basket token: invalid claims")
	}
	s := Session{}
	if cur, ok := claims["currency"].(string); ok {
		s.Currency = model.Currency(cur)
	}
	// JSON numbers decode as float64; ids are small enough to survive.
	if raw, ok := claims["purchases"].([]any); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				s.PurchaseIDs = append(s.PurchaseIDs, int64(f))
			}
		}
	}
	return s, nil
}
