package llm

import (
	"testing"
)

func TestExtractJSON_PlainObject(t *testing.T) {
	input := `{"decision": "accept", "confidence": 0.9}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected %q, got %q", input, result)
	}
}

func TestExtractJSON_MarkdownFence(t *testing.T) {
	input := "Here is the evaluation:\n```json\n{\"evaluations\": []}\n```\nHope that helps."
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"evaluations": []}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_ThinkTagStripped(t *testing.T) {
	input := "<think>\nLet me reason about this candidate.\n</think>\n{\"decision\": \"reject\"}"
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"decision": "reject"}` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_BracesInsideStrings(t *testing.T) {
	input := `{"justification": "matches pattern {a} -> [b]", "ok": true}`
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_ArrayResponse(t *testing.T) {
	input := "The results:\n[{\"id\": 1}, {\"id\": 2}]"
	result, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `[{"id": 1}, {"id": 2}]` {
		t.Errorf("got %q", result)
	}
}

func TestExtractJSON_NoJSON(t *testing.T) {
	if _, err := ExtractJSON("I could not evaluate these candidates."); err == nil {
		t.Error("expected error for prose-only response")
	}
}

func TestParseJSONResponse(t *testing.T) {
	type verdict struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
	}

	got, err := ParseJSONResponse[verdict]("```json\n{\"decision\": \"accept\", \"confidence\": 0.85}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Decision != "accept" || got.Confidence != 0.85 {
		t.Errorf("got %+v", got)
	}
}

func TestParseJSONResponse_TypeMismatch(t *testing.T) {
	type verdict struct {
		Confidence float64 `json:"confidence"`
	}
	if _, err := ParseJSONResponse[verdict](`{"confidence": "high"}`); err == nil {
		t.Error("expected unmarshal error")
	}
}
