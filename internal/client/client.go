package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mucan54/remoteql/internal/auth"
	"github.com/mucan54/remoteql/internal/crypto"
	"github.com/mucan54/remoteql/internal/qerr"
	"github.com/mucan54/remoteql/internal/query"
	"github.com/mucan54/remoteql/internal/wire"
)

// Config controls the client transport.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int           // retry budget for network failures and 5xx responses
	RetryDelay time.Duration // fixed delay between attempts
	Token      auth.TokenSource
	Sealer     *crypto.Sealer // optional payload encryption
	AntiReplay bool           // embed timestamp + request identifier
	HTTPClient *http.Client
}

// Client sends query ASTs and service calls to a remote server and decodes
// the results into their terminal-method shapes.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// QueryError carries everything needed to diagnose a rejected query: the
// HTTP status, the parsed error body, and the AST that was sent.
type QueryError struct {
	Status  int
	Kind    string
	Message string
	AST     *query.AST
}

func (e *QueryError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("remote query failed (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("remote query failed (%d): %s", e.Status, e.Message)
}

// Execute sends one AST and returns the raw response envelope.
func (c *Client) Execute(ctx context.Context, ast query.AST) (*wire.Response, error) {
	return c.post(ctx, "/api/query", ast, &ast)
}

// post sends a JSON body with the configured timeout, bounded retries and
// optional encryption. Retries cover transport failures and 5xx responses
// only: 4xx responses are deterministic rejections that retrying cannot
// fix.
func (c *Client) post(ctx context.Context, path string, body any, ast *query.AST) (*wire.Response, error) {
	payload, err := c.encodeBody(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempts := c.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, qerr.Wrap(qerr.KindTimeout, ctx.Err(), "request cancelled")
			}
		}

		response, retry, err := c.attempt(ctx, path, payload, ast)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, path string, payload []byte, ast *query.AST) (*wire.Response, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, false, qerr.Wrap(qerr.KindInternal, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != nil {
		token, err := c.cfg.Token.Token(callCtx)
		if err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, true, qerr.Wrap(qerr.KindTimeout, err, "request timed out")
		}
		return nil, true, qerr.Wrap(qerr.KindNetwork, err, "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, qerr.Wrap(qerr.KindNetwork, err, "read response")
	}
	if resp.StatusCode >= 500 {
		envelope := decodeEnvelope(c.cfg.Sealer, raw)
		return nil, true, &QueryError{
			Status:  resp.StatusCode,
			Kind:    envelope.Type,
			Message: errorMessage(envelope, resp.StatusCode),
			AST:     ast,
		}
	}

	envelope := decodeEnvelope(c.cfg.Sealer, raw)
	if resp.StatusCode >= 400 || !envelope.Success {
		return nil, false, &QueryError{
			Status:  resp.StatusCode,
			Kind:    envelope.Type,
			Message: errorMessage(envelope, resp.StatusCode),
			AST:     ast,
		}
	}
	return &envelope, false, nil
}

// encodeBody marshals the payload, embedding anti-replay markers and
// applying payload encryption when configured.
func (c *Client) encodeBody(body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindInternal, err, "encode request")
	}
	if c.cfg.AntiReplay {
		withReplay, err := appendReplayFields(raw)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindInternal, err, "embed anti-replay fields")
		}
		raw = withReplay
	}
	if c.cfg.Sealer != nil {
		sealed, err := c.cfg.Sealer.Seal(raw)
		if err != nil {
			return nil, qerr.Wrap(qerr.KindInternal, err, "encrypt request")
		}
		raw, err = json.Marshal(wire.EncryptedEnvelope{EncryptedPayload: sealed})
		if err != nil {
			return nil, qerr.Wrap(qerr.KindInternal, err, "encode envelope")
		}
	}
	return raw, nil
}

// appendReplayFields splices the anti-replay markers into the serialized
// JSON object without decoding it. Batch bodies carry order-significant
// member maps, so the original bytes must never round-trip through a Go
// map on the way out.
func appendReplayFields(raw []byte) ([]byte, error) {
	obj := bytes.TrimSpace(raw)
	if len(obj) < 2 || obj[0] != '{' || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("request body is not a JSON object")
	}
	now := time.Now()
	fields, err := json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		Timezone  string `json:"timezone"`
		RequestID string `json:"request_id"`
	}{
		Timestamp: now.Format(time.RFC3339),
		Timezone:  now.Location().String(),
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	b.Grow(len(obj) + len(fields))
	b.Write(obj[:len(obj)-1])
	if len(bytes.TrimSpace(obj[1:len(obj)-1])) > 0 {
		b.WriteByte(',')
	}
	b.Write(fields[1 : len(fields)-1])
	b.WriteByte('}')
	return b.Bytes(), nil
}

// decodeEnvelope parses a response body, unwrapping encryption when
// enabled. Undecodable bodies produce an empty envelope; the caller falls
// back to the HTTP status for its message.
func decodeEnvelope(sealer *crypto.Sealer, raw []byte) wire.Response {
	if sealer != nil {
		var encrypted wire.EncryptedEnvelope
		if err := json.Unmarshal(raw, &encrypted); err == nil && encrypted.EncryptedPayload != "" {
			if plaintext, err := sealer.Open(encrypted.EncryptedPayload); err == nil {
				raw = plaintext
			}
		}
	}
	var envelope wire.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return wire.Response{}
	}
	return envelope
}

func errorMessage(envelope wire.Response, status int) string {
	if envelope.Error != "" {
		return envelope.Error
	}
	return http.StatusText(status)
}

// Health checks server liveness and returns the reported running mode.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.cfg.BaseURL+"/api/health", nil)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindInternal, err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, qerr.Wrap(qerr.KindNetwork, err, "health check failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, qerr.Wrap(qerr.KindNetwork, err, "decode health response")
	}
	return body, nil
}
