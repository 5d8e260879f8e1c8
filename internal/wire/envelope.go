package wire

// Response is the protocol response envelope shared by every endpoint.
type Response struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
	Type     string         `json:"type,omitempty"`
}

// EncryptedEnvelope wraps an entire request or response body when payload
// encryption is enabled. Payload is base64(iv || tag || ciphertext).
type EncryptedEnvelope struct {
	EncryptedPayload string `json:"encrypted_payload"`
}
