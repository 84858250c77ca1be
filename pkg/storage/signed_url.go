package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignedURLSigner mints and verifies the time-limited tokens that authorize
// attachment downloads without a JWT.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewSignedURLSigner constructs a signer. A non-positive TTL defaults to
// 30 minutes.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

// Generate returns a token binding the file record to its storage path.
// Token layout is base64url(payload) + "." + base64url(hmac-sha256(payload))
// where payload is "fileID\nexpiryUnix\nrelPath".
func (s *SignedURLSigner) Generate(fileID, relPath string) (string, time.Time, error) {
	if fileID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("fileID and relPath required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}

	expiresAt := time.Now().Add(s.ttl)
	payload := strings.Join([]string{fileID, strconv.FormatInt(expiresAt.Unix(), 10), relPath}, "\n")
	token := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(s.sign(payload))
	return token, expiresAt, nil
}

// Parse verifies a token and returns its contents. With allowExpired the
// expiry check is skipped; retention cleanup uses that to resolve paths for
// files whose links have long lapsed.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (fileID, relPath string, expiresAt time.Time, err error) {
	encPayload, encSig, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", time.Time{}, fmt.Errorf("malformed token")
	}

	rawPayload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token signature: %w", err)
	}
	if !hmac.Equal(sig, s.sign(string(rawPayload))) {
		return "", "", time.Time{}, fmt.Errorf("invalid token signature")
	}

	fields := strings.SplitN(string(rawPayload), "\n", 3)
	if len(fields) != 3 {
		return "", "", time.Time{}, fmt.Errorf("malformed token payload")
	}
	expUnix, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid token expiry")
	}
	expiresAt = time.Unix(expUnix, 0)
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}
	return fields[0], fields[2], expiresAt, nil
}

func (s *SignedURLSigner) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}
