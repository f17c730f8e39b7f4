package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured marks a verifier running in real mode without a secret or
// with an unknown scheme. It is a deployment defect, not a bad delivery, so
// the HTTP layer reports it as a server-side configuration error rather than
// a signature rejection.
var ErrNotConfigured = errors.New("webhook verifier not configured")

const (
	SchemeHMAC = "hmac"
	SchemeSvix = "svix"

	// Deliveries older than this (or further in the future) are rejected in
	// svix mode to bound replay windows.
	timestampTolerance = 5 * time.Minute
)

// VerifierConfig describes how one provider signs deliveries. Fake mode
// accepts everything; real mode with an empty secret rejects everything, so a
// missing deployment secret can never silently disable verification.
type VerifierConfig struct {
	Fake   bool
	Scheme string
	Secret string
	// Header carrying the signature in hmac mode.
	Header string
}

type Verifier struct {
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Header == "" {
		cfg.Header = "X-Webhook-Signature"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = SchemeHMAC
	}
	return &Verifier{cfg: cfg}
}

// Verify checks a delivery against the raw body exactly as received. A parse
// or digest mismatch is a plain error (callers map it to 401); a verifier
// that cannot verify anything reports ErrNotConfigured instead.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	if v.cfg.Fake {
		return nil
	}
	if v.cfg.Secret == "" {
		return fmt.Errorf("%w: empty secret", ErrNotConfigured)
	}
	switch v.cfg.Scheme {
	case SchemeHMAC:
		return v.verifyHMAC(header.Get(v.cfg.Header), body)
	case SchemeSvix:
		return v.verifySvix(header, body, time.Now())
	}
	return fmt.Errorf("%w: unknown signature scheme %q", ErrNotConfigured, v.cfg.Scheme)
}

// verifyHMAC expects "<alg>=<hex>" where alg is sha256 or sha512, computed
// over the raw request body.
func (v *Verifier) verifyHMAC(sig string, body []byte) error {
	alg, hexDigest, ok := strings.Cut(strings.TrimSpace(sig), "=")
	if !ok {
		return fmt.Errorf("malformed signature header")
	}
	var expected []byte
	switch alg {
	case "sha256":
		mac := hmac.New(sha256.New, []byte(v.cfg.Secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	case "sha512":
		mac := hmac.New(sha512.New, []byte(v.cfg.Secret))
		mac.Write(body)
		expected = mac.Sum(nil)
	default:
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	got, err := hex.DecodeString(hexDigest)
	if err != nil {
		return fmt.Errorf("malformed signature digest")
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// verifySvix checks the id/timestamp/signature header triple: the signed
// content is "<id>.<timestamp>.<body>", the signature header carries one or
// more space-separated "v1,<base64>" candidates, and the timestamp must fall
// inside the tolerance window.
func (v *Verifier) verifySvix(header http.Header, body []byte, now time.Time) error {
	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("missing webhook headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed webhook timestamp")
	}
	sent := time.Unix(unix, 0)
	if sent.Before(now.Add(-timestampTolerance)) || sent.After(now.Add(timestampTolerance)) {
		return fmt.Errorf("webhook timestamp outside tolerance")
	}

	secret := v.cfg.Secret
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return fmt.Errorf("malformed webhook secret")
		}
		secret = string(decoded)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.", id, ts)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Fields(sigs) {
		_, b64, ok := strings.Cut(candidate, ",")
		if !ok {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(expected, got) == 1 {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

// SignHMAC produces the hmac-mode header value. Used by tests and the dev
// provider simulator.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
