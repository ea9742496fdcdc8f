package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Verification failure kinds. Callers branch on these with errors.Is.
var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrMalformed        = errors.New("token: malformed")
)

// SubjectKind says what a token is scoped to.
type SubjectKind string

const (
	SubjectCenter SubjectKind = "center"
	SubjectClass  SubjectKind = "class"
)

// Payload is the signed content of a check-in token. Timestamps are epoch
// seconds; the JSON field order here is the canonical serialization the
// signature is computed over, so it must not be reordered.
type Payload struct {
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   string      `json:"subject_id"`
	IssuedAt    int64       `json:"issued_at"`
	ExpiresAt   int64       `json:"expires_at"`
}

type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Codec issues and verifies self-contained check-in tokens. Verification
// accepts signatures from the current and the immediately previous secret so
// the secret can be rotated without invalidating tokens already printed on a
// screen.
type Codec struct {
	secret   []byte
	previous []byte
	maxTTL   time.Duration
	now      func() time.Time
}

// New builds a codec. previousSecret may be empty when no rotation is in
// flight. maxTTL bounds how long any issued token can live.
func New(secret, previousSecret string, maxTTL time.Duration) *Codec {
	if maxTTL <= 0 {
		maxTTL = 15 * time.Minute
	}
	c := &Codec{secret: []byte(secret), maxTTL: maxTTL, now: time.Now}
	if previousSecret != "" {
		c.previous = []byte(previousSecret)
	}
	return c
}

// Issue creates a signed token string for the given subject. ttl values that
// are zero, negative, or above the configured maximum are clamped to the
// maximum.
func (c *Codec) Issue(kind SubjectKind, subjectID string, ttl time.Duration) (string, time.Time, error) {
	if subjectID == "" {
		return "", time.Time{}, errors.New("token: subject id required")
	}
	if kind != SubjectCenter && kind != SubjectClass {
		return "", time.Time{}, errors.New("token: unknown subject kind")
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	now := c.now().UTC()
	expires := now.Add(ttl)
	payload := Payload{
		SubjectKind: kind,
		SubjectID:   subjectID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   expires.Unix(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	env := envelope{
		Payload:   raw,
		Signature: sign(c.secret, raw),
	}
	wrapped, err := json.Marshal(env)
	if err != nil {
		return "", time.Time{}, err
	}
	return base64.StdEncoding.EncodeToString(wrapped), expires, nil
}

// Verify decodes and authenticates a token string. The signature is checked
// before expiry so a tampered token never reads as merely expired.
func (c *Codec) Verify(tokenString string) (Payload, error) {
	wrapped, err := base64.StdEncoding.DecodeString(tokenString)
	if err != nil {
		return Payload{}, ErrMalformed
	}

	var env envelope
	if err := json.Unmarshal(wrapped, &env); err != nil {
		return Payload{}, ErrMalformed
	}
	if len(env.Payload) == 0 || env.Signature == "" {
		return Payload{}, ErrMalformed
	}

	if !c.verifySignature(env.Payload, env.Signature) {
		return Payload{}, ErrInvalidSignature
	}

	var payload Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Payload{}, ErrMalformed
	}
	if payload.SubjectID == "" || payload.ExpiresAt == 0 {
		return Payload{}, ErrMalformed
	}

	if c.now().UTC().Unix() > payload.ExpiresAt {
		return Payload{}, ErrExpired
	}
	return payload, nil
}

func (c *Codec) verifySignature(raw []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if hmac.Equal(provided, mac(c.secret, raw)) {
		return true
	}
	if c.previous != nil && hmac.Equal(provided, mac(c.previous, raw)) {
		return true
	}
	return false
}

func mac(key, raw []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(raw)
	return h.Sum(nil)
}

func sign(key, raw []byte) string {
	return hex.EncodeToString(mac(key, raw))
}
