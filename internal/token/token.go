// Package token mints and verifies the signed action tokens carried by
// email links. Tokens are stateless: replaying one is harmless because
// every action is idempotent against the resource's current state.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionAccept          Action = "accept"
	ActionRefuse          Action = "refuse"
	ActionCancelPassenger Action = "cancel_passenger"
	ActionRemovePassenger Action = "remove_passenger"
	ActionCancelOffer     Action = "cancel_offer"
	ActionViewItinerary   Action = "view_itinerary"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionRefuse, ActionCancelPassenger, ActionRemovePassenger, ActionCancelOffer, ActionViewItinerary:
		return true
	}
	return false
}

// ReadOnly reports whether a changes nothing when used.
func (a Action) ReadOnly() bool { return a == ActionViewItinerary }

// TTLFor is the default lifetime of a token for a.
func TTLFor(a Action) time.Duration {
	if a.ReadOnly() {
		return ReadTTL
	}
	return DefaultTTL
}

const (
	// DefaultTTL applies to every state-changing action.
	DefaultTTL = 7 * 24 * time.Hour
	// ReadTTL applies to read-only actions.
	ReadTTL = 30 * 24 * time.Hour

	sigBytes = 16
)

// Rejection reasons, also used as the reason of models.TokenInvalid.
var (
	ErrMalformed     = errors.New("malformed")
	ErrBadSignature  = errors.New("bad_signature")
	ErrExpired       = errors.New("expired")
	ErrWrongAction   = errors.New("wrong_action")
	ErrWrongResource = errors.New("wrong_resource")
	ErrWrongEmail    = errors.New("wrong_email")
)

// Claims is the signed payload. Field order is the canonical encoding.
type Claims struct {
	Action     Action `json:"action"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Exp        int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0) }

// Signer holds the process-wide secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Mint returns base64url(payload) "." hex(HMAC-SHA256(secret, base64url(payload))[:16]).
func (s *Signer) Mint(action Action, resourceID, email string, ttl time.Duration) (string, error) {
	return s.MintAt(action, resourceID, email, ttl, time.Now())
}

// MintAt is like Mint with an explicit issue time.
func (s *Signer) MintAt(action Action, resourceID, email string, ttl time.Duration, now time.Time) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("token: unknown action %q", action)
	}
	if ttl <= 0 {
		ttl = TTLFor(action)
	}
	payload, err := json.Marshal(Claims{
		Action:     action,
		ResourceID: resourceID,
		Email:      normalizeEmail(email),
		Exp:        now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("token: encoding payload: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + hex.EncodeToString(s.sign(body)), nil
}

func (s *Signer) sign(body string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return mac.Sum(nil)[:sigBytes]
}

// Verify checks signature and expiry against the current time.
func (s *Signer) Verify(tok string) (Claims, error) {
	return s.VerifyAt(tok, time.Now())
}

// VerifyAt checks signature and expiry against now. A token is still
// valid at the exact second of its expiry.
func (s *Signer) VerifyAt(tok string, now time.Time) (Claims, error) {
	i := strings.LastIndexByte(tok, '.')
	if i <= 0 || i == len(tok)-1 {
		return Claims{}, ErrMalformed
	}
	body, sig := tok[:i], tok[i+1:]
	if _, err := hex.DecodeString(sig); err != nil || len(sig) != 2*sigBytes {
		return Claims{}, ErrMalformed
	}
	// Compared as lowercase hex so case variants of a signature are not accepted.
	if !hmac.Equal([]byte(sig), []byte(hex.EncodeToString(s.sign(body)))) {
		return Claims{}, ErrBadSignature
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || !c.Action.Valid() {
		return Claims{}, ErrMalformed
	}
	if c.Exp < now.Unix() {
		return Claims{}, ErrExpired
	}
	return c, nil
}

// Authorize verifies tok at now and checks it grants action on
// resourceID. An empty email skips the email binding.
func (s *Signer) Authorize(tok string, action Action, resourceID, email string, now time.Time) (Claims, error) {
	c, err := s.VerifyAt(tok, now)
	if err != nil {
		return Claims{}, err
	}
	switch {
	case c.Action != action:
		return Claims{}, ErrWrongAction
	case c.ResourceID != resourceID:
		return Claims{}, ErrWrongResource
	case email != "" && c.Email != normalizeEmail(email):
		return Claims{}, ErrWrongEmail
	}
	return c, nil
}

// Reason maps a token error to its reason code.
func Reason(err error) string {
	for _, e := range []error{ErrMalformed, ErrBadSignature, ErrExpired, ErrWrongAction, ErrWrongResource, ErrWrongEmail} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return ErrMalformed.Error()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
