package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

const sampleQuery = `{"queries":[{"Query":{"Commands":[{"SemanticQueryDataShapeCommand":{
	"Query":{"Where":[{"Condition":{"In":{"Values":[[{"Literal":{"Value":"'MUNICÍPIO DE FORTALEZA'"}}]]}}}]},
	"Binding":{"DataReduction":{"Primary":{"Window":{"Count":500,"RestartTokens":[[ "'0002'" ]]}}}}}}]}}]}`

func TestParseRequest(t *testing.T) {
	req := ParseRequest([]byte(sampleQuery))

	if req.Entity != "MUNICÍPIO DE FORTALEZA" {
		t.Errorf("Entity = %q", req.Entity)
	}
	if req.Cursor != `[["'0002'"]]` {
		t.Errorf("Cursor = %q, want compact restart tokens", req.Cursor)
	}
	if req.PageSize != 500 {
		t.Errorf("PageSize = %d, want 500", req.PageSize)
	}

	if got := ParseRequest([]byte("not json")); got.Entity != "" {
		t.Errorf("garbage should parse to a zero request, got %+v", got)
	}
}

func TestMockUpstream_Script(t *testing.T) {
	mock := NewMockUpstream()
	defer mock.Close()

	mock.SetResponse("MUNICÍPIO DE FORTALEZA", `[["'0002'"]]`,
		NewServerErrorResponse(),
		NewPageResponse([]string{"a"}, nil, ""),
	)

	post := func() int {
		resp, err := http.Post(mock.URL(), "application/json", bytes.NewBufferString(sampleQuery))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	if got := post(); got != http.StatusInternalServerError {
		t.Errorf("first status = %d, want 500", got)
	}
	for i := 0; i < 2; i++ {
		if got := post(); got != http.StatusOK {
			t.Errorf("status = %d, want 200 (last response repeats)", got)
		}
	}

	if mock.RequestCount() != 3 || mock.RequestCountFor("MUNICÍPIO DE FORTALEZA") != 3 {
		t.Errorf("request counts = %d/%d, want 3/3", mock.RequestCount(), mock.RequestCountFor("MUNICÍPIO DE FORTALEZA"))
	}

	mock.Reset()
	if mock.RequestCount() != 0 {
		t.Error("Reset should clear counters")
	}
}

func TestColumnarBody(t *testing.T) {
	var env map[string]any
	if err := json.Unmarshal([]byte(ColumnarBody([]string{"a"}, nil, "")), &env); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := env["rows"].([]any); !ok {
		t.Error("nil rows should render as an empty list")
	}
	if _, ok := env["cursor"]; ok {
		t.Error("empty cursor should be omitted")
	}
}
