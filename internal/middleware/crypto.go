package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/crypto"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/wire"
)

// SealerProvider returns the sealer for one request. With per-caller keys
// enabled this derives from the authenticated identity, so the middleware
// must run after authentication.
type SealerProvider func(r *http.Request) (*crypto.Sealer, error)

// StaticSealer always uses the master-key sealer.
func StaticSealer(sealer *crypto.Sealer) SealerProvider {
	return func(*http.Request) (*crypto.Sealer, error) {
		return sealer, nil
	}
}

// PerCallerSealer derives a caller-specific key from the master key and the
// authenticated caller id, falling back to the master sealer for anonymous
// callers.
func PerCallerSealer(masterKey []byte, masterSealer *crypto.Sealer) SealerProvider {
	return func(r *http.Request) (*crypto.Sealer, error) {
		ident, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			return masterSealer, nil
		}
		key, err := crypto.DeriveCallerKey(masterKey, ident.CallerID)
		if err != nil {
			return nil, err
		}
		return crypto.NewSealer(key)
	}
}

// Encryption unwraps encrypted request bodies and seals response bodies.
// The whole request and response travel as {"encrypted_payload": "..."}.
func Encryption(provider SealerProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sealer, err := provider(r)
			if err != nil {
				writeEnvelopeError(w, qerr.New(qerr.KindInternal, "encryption unavailable"))
				return
			}

			if r.Body != nil && r.ContentLength != 0 {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					writeEnvelopeError(w, qerr.New(qerr.KindMalformed, "unreadable request body"))
					return
				}
				var envelope wire.EncryptedEnvelope
				if err := json.Unmarshal(body, &envelope); err != nil || envelope.EncryptedPayload == "" {
					writeEnvelopeError(w, qerr.New(qerr.KindReplay, "request body is not an encrypted envelope"))
					return
				}
				plaintext, err := sealer.Open(envelope.EncryptedPayload)
				if err != nil {
					writeEnvelopeError(w, err)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(plaintext))
				r.ContentLength = int64(len(plaintext))
			}

			buffer := &bufferingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(buffer, r)

			sealed, err := sealer.Seal(buffer.body.Bytes())
			if err != nil {
				writeEnvelopeError(w, qerr.New(qerr.KindInternal, "response encryption failed"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(buffer.statusCode)
			json.NewEncoder(w).Encode(wire.EncryptedEnvelope{EncryptedPayload: sealed})
		})
	}
}

// bufferingWriter holds the handler's response so it can be sealed before
// anything reaches the client.
type bufferingWriter struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

func (w *bufferingWriter) WriteHeader(code int) {
	w.statusCode = code
}

func (w *bufferingWriter) Write(p []byte) (int, error) {
	return w.body.Write(p)
}

func writeEnvelopeError(w http.ResponseWriter, err error) {
	kind := qerr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(qerr.HTTPStatus(kind))
	json.NewEncoder(w).Encode(wire.Response{
		Success: false,
		Error:   qerr.MessageOf(err),
		Type:    string(kind),
	})
}
