package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"sort"
)

// SignatureHeader carries the webhook signature on every provider
// request.
const SignatureHeader = "X-Provider-Signature"

// ComputeSignature signs a webhook request: the full request URL
// concatenated with every form parameter as key+value in key order,
// HMAC-SHA1 under the signing secret, base64-encoded.
func ComputeSignature(secret, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(url))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret, url string, params map[string]string, signature string) bool {
	expected := ComputeSignature(secret, url, params)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
