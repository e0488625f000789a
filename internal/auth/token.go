package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors. The gate collapses all of them into a bare 401 on the
// wire; the distinction only reaches logs and metrics.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("expired credential")
	ErrSigning           = errors.New("credential signing failed")
	ErrReservedClaim     = errors.New("claim is reserved")
)

// ClaimSet is the identity payload carried by a credential. The
// registered identity fields "sub" and "jti" travel like any other claim;
// the time and audience fields the service stamps itself never appear.
type ClaimSet map[string]any

// Clone returns a shallow copy of the claim set.
func (c ClaimSet) Clone() ClaimSet {
	out := make(ClaimSet, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// serviceClaims are owned by the token service: Issue refuses them and
// Verify hides them.
var serviceClaims = map[string]struct{}{
	"iat": {}, "exp": {}, "nbf": {}, "iss": {}, "aud": {},
}

// TokenService issues and verifies HMAC-signed, time-bound credentials.
//
// The secret is copied at construction and is read-only afterwards, so a
// single TokenService is safe for concurrent use without locking.
type TokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// WithIssuer stamps and requires an "iss" claim.
func WithIssuer(issuer string) Option {
	return func(s *TokenService) { s.issuer = issuer }
}

// NewTokenService creates a token service bound to secret.
// An empty secret is accepted here; Issue then fails with ErrSigning and
// Verify rejects everything, so a misconfigured key never crashes the process.
func NewTokenService(secret []byte, opts ...Option) *TokenService {
	s := &TokenService{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	s.parser = jwt.NewParser(parserOpts...)

	return s
}

// Issue signs claims into a credential that expires ttl from now.
// ttl <= 0 issues a credential without expiry. Claims naming a field the
// service stamps (iat, exp, nbf, iss, aud) fail with ErrReservedClaim, so
// whatever Issue accepts comes back unchanged from Verify.
func (s *TokenService) Issue(claims ClaimSet, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("%w: signing key unavailable", ErrSigning)
	}

	now := s.now()
	mc := make(jwt.MapClaims, len(claims)+3)
	for k, v := range claims {
		if _, reserved := serviceClaims[k]; reserved {
			return "", fmt.Errorf("%w: %q", ErrReservedClaim, k)
		}
		mc[k] = v
	}
	mc["iat"] = jwt.NewNumericDate(now)
	if ttl > 0 {
		mc["exp"] = jwt.NewNumericDate(now.Add(ttl))
	}
	if s.issuer != "" {
		mc["iss"] = s.issuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Verify checks the credential's signature and expiry and returns its claim set.
//
// Errors are ErrExpiredCredential when the credential's expiry has passed
// (whether or not its signature is valid) and ErrInvalidCredential for
// anything else.
func (s *TokenService) Verify(credential string) (ClaimSet, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("%w: verification key unavailable", ErrInvalidCredential)
	}

	token, err := s.parser.ParseWithClaims(credential, jwt.MapClaims{}, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || s.expired(token) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unreadable claims", ErrInvalidCredential)
	}

	claims := make(ClaimSet, len(mc))
	for k, v := range mc {
		if _, reserved := serviceClaims[k]; reserved {
			continue
		}
		claims[k] = v
	}
	return claims, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}

// expired reports whether a token that failed verification for another
// reason (typically its signature) carries an expiry in the past.
func (s *TokenService) expired(token *jwt.Token) bool {
	if token == nil || token.Claims == nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !s.now().Before(exp.Time)
}

// ExtractCredential pulls the credential out of an authorization header value.
// Both "Bearer <token>" and a bare token are accepted.
func ExtractCredential(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}

	const bearerPrefix = "bearer "
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		header = strings.TrimSpace(header[len(bearerPrefix):])
	}
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearerPrefix)) {
		return "", ErrMissingCredential
	}
	return header, nil
}

// Kind names a credential error for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingCredential):
		return "missing"
	case errors.Is(err, ErrExpiredCredential):
		return "expired"
	case errors.Is(err, ErrSigning):
		return "signing"
	case errors.Is(err, ErrReservedClaim):
		return "reserved"
	default:
		return "invalid"
	}
}
