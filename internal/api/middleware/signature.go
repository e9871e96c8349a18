package middleware

import (
	"log/slog"
	"net/http"

	"github.com/dialcast/dialcast/internal/provider"
)

// RequireProviderSignature returns middleware that authenticates webhook
// and script requests from the telephony provider. The signature covers
// the full public URL plus the sorted form parameters; a mismatch is
// answered with a bare 403.
func RequireProviderSignature(secret, baseURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusForbidden)
				return
			}

			params := make(map[string]string, len(r.PostForm))
			for k := range r.PostForm {
				params[k] = r.PostForm.Get(k)
			}

			// The provider signs the URL it was given, which is rooted at
			// the public base URL, not at whatever host terminated TLS.
			fullURL := baseURL + r.URL.RequestURI()
			signature := r.Header.Get(provider.SignatureHeader)

			if signature == "" || !provider.VerifySignature(secret, fullURL, params, signature) {
				slog.Warn("rejected unsigned provider request",
					"path", r.URL.Path, "remote", r.RemoteAddr)
				w.WriteHeader(http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
