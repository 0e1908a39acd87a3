package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// signer produces Bitget V2 auth headers. Keys are held as []byte so they can
// be wiped when the adapter is closed.
type signer struct {
	accessKey  []byte
	secretKey  []byte
	passphrase []byte
	now        func() time.Time
}

func newSigner(accessKey, secretKey, passphrase string) *signer {
	return &signer{
		accessKey:  []byte(accessKey),
		secretKey:  []byte(secretKey),
		passphrase: []byte(passphrase),
		now:        time.Now,
	}
}

// headers signs timestamp + METHOD + path[?query] + body.
func (s *signer) headers(method, pathWithQuery, body string) http.Header {
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(ts + method + pathWithQuery + body))

	h := http.Header{}
	h.Set("ACCESS-KEY", string(s.accessKey))
	h.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	h.Set("ACCESS-TIMESTAMP", ts)
	h.Set("ACCESS-PASSPHRASE", string(s.passphrase))
	h.Set("Content-Type", "application/json")
	h.Set("locale", "en-US")
	return h
}

func (s *signer) wipe() {
	for _, b := range [][]byte{s.accessKey, s.secretKey, s.passphrase} {
		for i := range b {
			b[i] = 0
		}
	}
}

func (s *signer) empty() bool {
	return len(s.accessKey) == 0 || len(s.secretKey) == 0 || len(s.passphrase) == 0
}
