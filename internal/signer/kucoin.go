package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
)

// KucoinSigner implements KuCoin's v2 API key scheme: the signature is
// base64(HMAC-SHA256(secret, timestamp_ms + METHOD + target + body)) and the
// passphrase is itself HMAC'd with the secret.
type KucoinSigner struct {
	key        string
	secret     string
	passphrase string
	opts       options
}

// NewKucoinSigner returns a KuCoin signer.
func NewKucoinSigner(key, secret, passphrase string, opts ...Option) *KucoinSigner {
	return &KucoinSigner{key: key, secret: secret, passphrase: passphrase, opts: buildOptions(opts)}
}

// Signature computes the base64 signature for an explicit millisecond timestamp.
func (s *KucoinSigner) Signature(req Request, timestampMs int64) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.Target()))
	mac.Write(req.Body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *KucoinSigner) signedPassphrase() string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(s.passphrase))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign implements Signer.
func (s *KucoinSigner) Sign(req Request) (http.Header, error) {
	if s.key == "" || s.secret == "" || s.passphrase == "" {
		return nil, ErrNoCredentials
	}
	ts := s.opts.now().UnixMilli()
	h := make(http.Header, 5)
	h.Set("KC-API-KEY", s.key)
	h.Set("KC-API-SIGN", s.Signature(req, ts))
	h.Set("KC-API-TIMESTAMP", strconv.FormatInt(ts, 10))
	h.Set("KC-API-PASSPHRASE", s.signedPassphrase())
	h.Set("KC-API-KEY-VERSION", "2")
	return h, nil
}
