// Package signing signs and verifies customer trigger requests. A signature
// covers the job, the action and an expiry so a captured request cannot be
// replayed for another job or after it expires.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/model"
)

var (
	ErrExpired          = errors.New("signature expired")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer generates and validates HMAC-SHA256 signatures.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a Signer whose signatures live for ttl.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl}
}

// Sign returns the hex signature of a trigger of action on jobID.
func (s *Signer) Sign(jobID string, action model.Action, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", jobID, action, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignAt signs a trigger issued at now and returns the signature with its
// expiry.
func (s *Signer) SignAt(jobID string, action model.Action, now time.Time) (signature string, expiresUnix int64) {
	expiresUnix = now.Add(s.ttl).Unix()
	return s.Sign(jobID, action, expiresUnix), expiresUnix
}

// Validate checks signature against the request as seen at now.
func (s *Signer) Validate(jobID string, action model.Action, expires, signature string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrInvalidSignature, "expires %q", expires)
	}
	if time.Unix(exp, 0).Before(now) {
		return ErrExpired
	}
	expected := s.Sign(jobID, action, exp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
