package validate

import "testing"

func TestCompile(t *testing.T) {
	if _, err := Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestValidate_InstructionOK(t *testing.T) {
	s, err := Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	body := []byte(`{"userId":"u1","messageId":"m1","instruction":"fix the bug","timestamp":"2026-07-31T00:00:00Z"}`)
	if err := s.Validate(RequestInstruction, body); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_InstructionMissingUserID(t *testing.T) {
	s, err := Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	body := []byte(`{"instruction":"fix the bug"}`)
	if err := s.Validate(RequestInstruction, body); err == nil {
		t.Fatal("expected validation error for missing userId")
	}
}

func TestValidate_MalformedJSON(t *testing.T) {
	s, err := Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := s.Validate(RequestInstruction, []byte("{not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidate_ApprovalResponseRequiresBool(t *testing.T) {
	s, err := Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	body := []byte(`{"approvalId":"a1","approved":"yes","userId":"u1"}`)
	if err := s.Validate(RequestApprovalResp, body); err == nil {
		t.Fatal("expected validation error for non-boolean approved field")
	}
}
