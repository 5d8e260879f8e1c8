package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/replay"
)

// replayFields are the anti-replay markers embedded in request bodies.
// When encryption is enabled they sit inside the encrypted payload, so
// this middleware must run after decryption.
type replayFields struct {
	Timestamp string `json:"timestamp"`
	Timezone  string `json:"timezone"`
	RequestID string `json:"request_id"`
}

// AntiReplay validates the embedded timestamp and single-use request
// identifier. Rejections are logged as potential attack indicators.
func AntiReplay(guard *replay.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeEnvelopeError(w, qerr.New(qerr.KindMalformed, "unreadable request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			var fields replayFields
			if err := json.Unmarshal(body, &fields); err != nil {
				writeEnvelopeError(w, qerr.New(qerr.KindMalformed, "request body is not valid JSON"))
				return
			}

			// Omitting the markers must not bypass the guard: when this
			// middleware is installed, both are mandatory.
			if fields.Timestamp == "" || fields.RequestID == "" {
				log.Printf("[REPLAY] rejected %s: missing anti-replay markers", r.RemoteAddr)
				writeEnvelopeError(w, qerr.New(qerr.KindReplay, "request is missing its anti-replay markers"))
				return
			}

			timestamp, err := time.Parse(time.RFC3339, fields.Timestamp)
			if err != nil {
				log.Printf("[REPLAY] rejected %s: unparseable timestamp %q", r.RemoteAddr, fields.Timestamp)
				writeEnvelopeError(w, qerr.New(qerr.KindReplay, "request timestamp is not valid"))
				return
			}
			if fields.Timezone != "" {
				if _, err := time.LoadLocation(fields.Timezone); err != nil {
					log.Printf("[REPLAY] rejected %s: unknown timezone %q", r.RemoteAddr, fields.Timezone)
					writeEnvelopeError(w, qerr.New(qerr.KindReplay, "request timezone is not valid"))
					return
				}
			}

			if err := guard.Check(timestamp, fields.RequestID); err != nil {
				log.Printf("[REPLAY] rejected %s: %v", r.RemoteAddr, err)
				writeEnvelopeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
