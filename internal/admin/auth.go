package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CookieTTL bounds how long a signed admin bearer cookie is valid
// before re-authentication is required.
const CookieTTL = 1 * time.Hour

// Authenticator verifies admin console credentials and issues/checks
// the signed bearer cookie the original implementation uses in place
// of a JWT library (none appears anywhere in the example pack — see
// DESIGN.md). Grounded in spirit on adapters/control_adapter.go's
// gate-then-forward shape, generalized to HTTP Basic + bcrypt here.
type Authenticator struct {
	username     string
	passwordHash []byte
	hmacKey      []byte
}

// NewAuthenticator hashes password with bcrypt at construction time,
// matching admin_console.password's plaintext-in-config but
// never-plaintext-at-rest handling.
func NewAuthenticator(username, password string, hmacKey []byte) (*Authenticator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("admin: hash password: %w", err)
	}
	return &Authenticator{username: username, passwordHash: hash, hmacKey: hmacKey}, nil
}

// CheckBasic verifies an HTTP Basic Authorization header's
// credentials, the fallback path when no cookie is present.
func (a *Authenticator) CheckBasic(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(pass)) == nil
}

// IssueCookie signs a bearer cookie value for user, valid for
// CookieTTL from now: "<user>.<expiry-unix>.<base64url-hmac>".
func (a *Authenticator) IssueCookie(user string) string {
	expiry := time.Now().Add(CookieTTL).Unix()
	payload := fmt.Sprintf("%s.%d", user, expiry)
	sig := a.sign(payload)
	return payload + "." + sig
}

// CheckCookie verifies a cookie value produced by IssueCookie: valid
// signature and not past its expiry.
func (a *Authenticator) CheckCookie(cookie string) bool {
	parts := strings.SplitN(cookie, ".", 3)
	if len(parts) != 3 {
		return false
	}
	user, expiryStr, sig := parts[0], parts[1], parts[2]
	payload := user + "." + expiryStr
	if subtle.ConstantTimeCompare([]byte(sig), []byte(a.sign(payload))) != 1 {
		return false
	}
	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix() > expiry {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
}

func (a *Authenticator) sign(payload string) string {
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
