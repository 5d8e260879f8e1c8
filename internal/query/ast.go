package query

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mucan54/remoteql/internal/wire"
)

// AST is the flat serialized description of one chained query: an entity
// name, the ordered non-terminal chain, and exactly one terminal operation.
// An AST is built once, consumed exactly once by the executor, and never
// mutated after transmission.
type AST struct {
	Model      string          `json:"model"`
	Chain      []wire.CallStep `json:"chain"`
	Method     string          `json:"method"`
	Parameters []any           `json:"parameters"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
}

// Metadata travels with the AST for diagnostics on the server side.
type Metadata struct {
	ClientVersion string `json:"client_version,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// ServiceCall describes a remote service-method invocation. It follows the
// same codec rules as a query AST but dispatches to a registered service
// instead of replaying against a query object.
type ServiceCall struct {
	Service   string `json:"service"`
	Method    string `json:"method"`
	Arguments []any  `json:"arguments"`
}

// Policy controls how a batch step reacts when one of its dependencies has
// failed, or when the step itself fails.
type Policy string

const (
	// PolicyStop fails the step and halts every step ordered after it.
	PolicyStop Policy = "stop"
	// PolicySkip marks the step skipped without counting it as failed.
	PolicySkip Policy = "skip"
	// PolicyContinue attempts the step regardless of upstream failures.
	PolicyContinue Policy = "continue"
)

// QueryStep is one named step of a batch query request. A nil DependsOn
// means implicit dependencies: the step depends on every step declared
// before it. An explicitly empty list means no dependencies at all.
type QueryStep struct {
	Key string `json:"-"`
	AST
	DependsOn []string `json:"depends_on,omitempty"`
	OnFailure Policy   `json:"on_failure,omitempty"`
}

// ServiceStep is one named step of a batch service request. ArgsFn, when
// set, computes the call arguments from prior step results; it is only
// usable for in-process batches and can never be transmitted on the wire.
type ServiceStep struct {
	Key       string   `json:"-"`
	Service   string   `json:"service"`
	Method    string   `json:"method"`
	Arguments []any    `json:"arguments"`
	DependsOn []string `json:"depends_on,omitempty"`
	OnFailure Policy   `json:"on_failure,omitempty"`

	ArgsFn func(results map[string]any) []any `json:"-"`
}

// BatchQueryRequest is the wire body of a batch query call. Declaration
// order of the JSON object keys is preserved because implicit dependencies
// make it semantically significant.
type BatchQueryRequest struct {
	Queries []QueryStep
}

// BatchServiceRequest is the wire body of a batch service call.
type BatchServiceRequest struct {
	Services []ServiceStep
}

func (r BatchQueryRequest) MarshalJSON() ([]byte, error) {
	body, err := marshalOrdered(len(r.Queries), func(i int) (string, any) {
		return r.Queries[i].Key, r.Queries[i]
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"queries": body})
}

func (r *BatchQueryRequest) UnmarshalJSON(data []byte) error {
	var outer struct {
		Queries json.RawMessage `json:"queries"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return err
	}
	return unmarshalOrdered(outer.Queries, func(key string, raw json.RawMessage) error {
		step := QueryStep{Key: key}
		if err := json.Unmarshal(raw, &step); err != nil {
			return fmt.Errorf("query step %q: %w", key, err)
		}
		r.Queries = append(r.Queries, step)
		return nil
	})
}

func (r BatchServiceRequest) MarshalJSON() ([]byte, error) {
	body, err := marshalOrdered(len(r.Services), func(i int) (string, any) {
		return r.Services[i].Key, r.Services[i]
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"services": body})
}

func (r *BatchServiceRequest) UnmarshalJSON(data []byte) error {
	var outer struct {
		Services json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return err
	}
	return unmarshalOrdered(outer.Services, func(key string, raw json.RawMessage) error {
		step := ServiceStep{Key: key}
		if err := json.Unmarshal(raw, &step); err != nil {
			return fmt.Errorf("service step %q: %w", key, err)
		}
		r.Services = append(r.Services, step)
		return nil
	})
}

// marshalOrdered writes a JSON object whose keys appear in slice order.
func marshalOrdered(n int, at func(i int) (string, any)) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < n; i++ {
		key, value := at(i)
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		valueJSON, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(valueJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// unmarshalOrdered walks a JSON object token by token so the caller sees
// keys in their declared order, which encoding/json maps would lose.
func unmarshalOrdered(data json.RawMessage, visit func(key string, raw json.RawMessage) error) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := visit(key, raw); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
