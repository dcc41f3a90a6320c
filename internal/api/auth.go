package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alias8818/CouncilRouter-sub001/internal/config"
)

// testModeKey is accepted as an ApiKey when NODE_ENV=test so integration
// suites need no key material.
const testModeKey = "test-key"

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	UserID string
	Name   string
	Admin  bool
}

type identityCtxKey struct{}

// identityFrom returns the identity stored by the auth middleware.
func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityCtxKey{}).(Identity)
	return id
}

type keyEntry struct {
	name      string
	active    bool
	expiresAt *time.Time
}

// Authenticator validates Authorization headers. Two schemes: Bearer JWTs
// signed with the shared HMAC secret, and ApiKey values looked up by their
// SHA-256 hash. The admin token authenticates as the dashboard identity.
type Authenticator struct {
	jwtSecret []byte
	keys      map[string]keyEntry
	adminHash string
	testMode  bool
}

// NewAuthenticator hashes the configured key material once at boot.
func NewAuthenticator(env *config.Env) *Authenticator {
	a := &Authenticator{
		keys:     make(map[string]keyEntry, len(env.APIKeys)),
		testMode: env.IsTest(),
	}
	if env.JWTSecret != "" {
		a.jwtSecret = []byte(env.JWTSecret)
	}
	for name, key := range env.APIKeys {
		a.keys[hashKey(key)] = keyEntry{name: name, active: true}
	}
	if env.AdminAPIToken != "" {
		a.adminHash = hashKey(env.AdminAPIToken)
	}
	return a
}

// Authenticate resolves the Authorization header to an identity. The
// returned *Error carries the exact 401 code for the failure mode.
func (a *Authenticator) Authenticate(header string) (Identity, *Error) {
	if header == "" {
		return Identity{}, Errorf(CodeAuthenticationRequired, "authorization header is required")
	}

	scheme, credential, found := strings.Cut(header, " ")
	credential = strings.TrimSpace(credential)
	if !found || credential == "" {
		return Identity{}, Errorf(CodeInvalidAuthFormat, "expected 'Bearer <token>' or 'ApiKey <key>'")
	}

	switch scheme {
	case "Bearer":
		return a.verifyJWT(credential)
	case "ApiKey":
		return a.verifyAPIKey(credential)
	default:
		return Identity{}, Errorf(CodeInvalidAuthFormat, "unsupported authorization scheme %q", scheme)
	}
}

func (a *Authenticator) verifyJWT(tokenString string) (Identity, *Error) {
	if len(a.jwtSecret) == 0 {
		return Identity{}, Errorf(CodeInvalidToken, "token verification is not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, Errorf(CodeInvalidToken, "token verification failed")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, Errorf(CodeInvalidToken, "unexpected token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, Errorf(CodeInvalidToken, "token has no subject")
	}

	name, _ := claims["name"].(string)
	return Identity{UserID: sub, Name: name}, nil
}

func (a *Authenticator) verifyAPIKey(key string) (Identity, *Error) {
	if a.testMode && subtle.ConstantTimeCompare([]byte(key), []byte(testModeKey)) == 1 {
		return Identity{UserID: "test-user", Name: "test"}, nil
	}

	hash := hashKey(key)
	if a.adminHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(a.adminHash)) == 1 {
		return Identity{UserID: "internal-dashboard", Name: "dashboard", Admin: true}, nil
	}

	entry, ok := a.keys[hash]
	if !ok {
		return Identity{}, Errorf(CodeInvalidAPIKey, "unknown api key")
	}
	if !entry.active {
		return Identity{}, Errorf(CodeInvalidAPIKey, "api key is inactive")
	}
	if entry.expiresAt != nil && time.Now().After(*entry.expiresAt) {
		return Identity{}, Errorf(CodeInvalidAPIKey, "api key has expired")
	}
	return Identity{UserID: "key:" + entry.name, Name: entry.name}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// requireAuth authenticates before any routing or validation runs. Failures
// respond 401 with the precise code; nothing downstream sees the request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, apiErr := s.auth.Authenticate(r.Header.Get("Authorization"))
		if apiErr != nil {
			s.writeError(w, "", apiErr)
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
