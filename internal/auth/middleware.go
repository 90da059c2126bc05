package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/farpath/farpath-agent/internal/config"
)

// Signed-request headers. The signature covers method, path,
// timestamp, nonce, and the SHA-256 of the body.
const (
	headerTimestamp = "X-Farpath-Timestamp"
	headerNonce     = "X-Farpath-Nonce"
	headerSignature = "X-Farpath-Signature"
)

var (
	errMissingHeaders = errors.New("missing signature headers")
	errBadTimestamp   = errors.New("invalid timestamp")
	errStaleTimestamp = errors.New("timestamp outside acceptance window")
	errBadSignature   = errors.New("signature mismatch")
	errNonceReplay    = errors.New("nonce replay")
)

type MiddlewareState struct {
	nonce *replayWindow
}

func NewMiddlewareState(nonceTTLSeconds int) *MiddlewareState {
	if nonceTTLSeconds <= 0 {
		nonceTTLSeconds = 360
	}
	return &MiddlewareState{nonce: newReplayWindow(time.Duration(nonceTTLSeconds) * time.Second)}
}

func (s *MiddlewareState) Middleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	mode := strings.ToLower(cfg.Mode)
	if mode == "none" {
		// Config validation restricts this mode to loopback listeners.
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r, mode, cfg) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"Invalid API authentication.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MiddlewareState) authorized(r *http.Request, mode string, cfg config.AuthConfig) bool {
	switch mode {
	case "bearer":
		return cfg.BearerToken != "" && bearerMatches(r, cfg.BearerToken)
	case "hmac":
		return cfg.HMACSecret != "" && s.signatureValid(r, cfg.HMACSecret, cfg.HMACSkewSeconds) == nil
	default:
		if cfg.BearerToken != "" && bearerMatches(r, cfg.BearerToken) {
			return true
		}
		return cfg.HMACSecret != "" && s.signatureValid(r, cfg.HMACSecret, cfg.HMACSkewSeconds) == nil
	}
}

func bearerMatches(r *http.Request, token string) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	provided := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return hmac.Equal([]byte(provided), []byte(token))
}

// signatureValid checks the signed-request headers against the shared
// secret. The body is consumed and restored so handlers can read it.
func (s *MiddlewareState) signatureValid(r *http.Request, secret string, skewSecs int) error {
	tsRaw := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	sig := strings.TrimSpace(r.Header.Get(headerSignature))
	if tsRaw == "" || nonce == "" || sig == "" {
		return errMissingHeaders
	}
	if skewSecs <= 0 {
		skewSecs = 300
	}
	skew := time.Duration(skewSecs) * time.Second

	tsUnix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return errBadTimestamp
	}
	now := time.Now().UTC()
	if delta := now.Sub(time.Unix(tsUnix, 0)); delta > skew || delta < -skew {
		return errStaleTimestamp
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	expected := signRequest(secret, r.Method, r.URL.Path, tsRaw, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return errBadSignature
	}
	if !s.nonce.Remember(nonce, now.Add(skew+time.Minute)) {
		return errNonceReplay
	}
	return nil
}

// signRequest builds the hex signature over
// method\npath\ntimestamp\nnonce\nhex(sha256(body)).
func signRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}
