package query

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBatchQueryRequestPreservesDeclarationOrder(t *testing.T) {
	body := `{"queries":{
		"zeta":{"model":"User","method":"count"},
		"alpha":{"model":"User","method":"get"},
		"mid":{"model":"Order","method":"first"}
	}}`

	var req BatchQueryRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("failed to decode batch: %v", err)
	}

	keys := make([]string, len(req.Queries))
	for i, step := range req.Queries {
		keys[i] = step.Key
	}
	if keys[0] != "zeta" || keys[1] != "alpha" || keys[2] != "mid" {
		t.Fatalf("declaration order lost: %v", keys)
	}
}

func TestBatchQueryRequestDistinguishesNilAndEmptyDependsOn(t *testing.T) {
	body := `{"queries":{
		"a":{"model":"User","method":"get"},
		"b":{"model":"User","method":"get","depends_on":[]},
		"c":{"model":"User","method":"get","depends_on":["a"]}
	}}`

	var req BatchQueryRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("failed to decode batch: %v", err)
	}

	if req.Queries[0].DependsOn != nil {
		t.Fatalf("absent depends_on must decode as nil, got %#v", req.Queries[0].DependsOn)
	}
	if req.Queries[1].DependsOn == nil || len(req.Queries[1].DependsOn) != 0 {
		t.Fatalf("explicit empty depends_on must decode as empty non-nil, got %#v", req.Queries[1].DependsOn)
	}
	if len(req.Queries[2].DependsOn) != 1 || req.Queries[2].DependsOn[0] != "a" {
		t.Fatalf("unexpected depends_on %#v", req.Queries[2].DependsOn)
	}
}

func TestBatchQueryRequestMarshalKeepsStepOrder(t *testing.T) {
	req := BatchQueryRequest{Queries: []QueryStep{
		{Key: "second", AST: AST{Model: "User", Method: "get"}},
		{Key: "first", AST: AST{Model: "User", Method: "count"}},
	}}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal batch: %v", err)
	}
	text := string(data)
	if strings.Index(text, `"second"`) > strings.Index(text, `"first"`) {
		t.Fatalf("marshal reordered steps: %s", text)
	}

	var back BatchQueryRequest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("failed to decode round trip: %v", err)
	}
	if back.Queries[0].Key != "second" || back.Queries[1].Key != "first" {
		t.Fatalf("round trip lost order: %#v", back.Queries)
	}
}

func TestBatchServiceRequestRoundTrip(t *testing.T) {
	req := BatchServiceRequest{Services: []ServiceStep{
		{Key: "pay", Service: "PaymentService", Method: "charge", Arguments: []any{"order-1"}},
		{Key: "mail", Service: "EmailService", Method: "send", DependsOn: []string{"pay"}, OnFailure: PolicySkip},
	}}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var back BatchServiceRequest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(back.Services) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(back.Services))
	}
	if back.Services[1].Key != "mail" || back.Services[1].OnFailure != PolicySkip {
		t.Fatalf("unexpected step %#v", back.Services[1])
	}
	if back.Services[1].DependsOn[0] != "pay" {
		t.Fatalf("unexpected depends_on %#v", back.Services[1].DependsOn)
	}
}

func TestBatchQueryRequestRejectsMalformedStep(t *testing.T) {
	body := `{"queries":{"a":"not-an-object"}}`
	var req BatchQueryRequest
	err := json.Unmarshal([]byte(body), &req)
	if err == nil {
		t.Fatalf("expected an error for malformed step")
	}
	if !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("error should name the step: %v", err)
	}
}
