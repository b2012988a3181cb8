package coinex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Signer builds the CoinEx v2 request signature: HMAC-SHA256 over
// UPPER(method) + path(+query or +body) + timestamp, rendered as lowercase
// hex.
type Signer struct {
	secret string
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: secret}
}

// Sign captures the current epoch-millisecond timestamp once and returns
// it together with the signature. The exact same timestamp must be sent in
// the request header, otherwise the exchange rejects the request.
func (s *Signer) Sign(method, path string, params map[string]string, body []byte) (string, string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return s.SignAt(method, path, params, body, ts), ts
}

// SignAt signs with an explicit timestamp. Identical inputs always yield
// an identical signature.
func (s *Signer) SignAt(method, path string, params map[string]string, body []byte, timestamp string) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteString(path)
	if len(params) > 0 {
		sb.WriteString("?")
		sb.WriteString(encodeParams(params))
	}
	sb.Write(body)
	sb.WriteString(timestamp)
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// encodeParams sorts keys lexicographically and joins k=v pairs with &,
// which is the canonical query form the exchange signs.
func encodeParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}
