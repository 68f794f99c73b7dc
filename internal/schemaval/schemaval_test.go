package schemaval

import "testing"

const objectSchema = `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`

func TestValidateAcceptsConformingOutput(t *testing.T) {
	v := New()
	if err := v.Validate([]byte(objectSchema), `{"name":"alice"}`); err != nil {
		t.Fatalf("expected valid output, got: %v", err)
	}
}

func TestValidateRejectsViolationAndBadJSON(t *testing.T) {
	v := New()
	if err := v.Validate([]byte(objectSchema), `{"age":30}`); err == nil {
		t.Fatal("expected schema violation for missing required field")
	}
	if err := v.Validate([]byte(objectSchema), `not json at all`); err == nil {
		t.Fatal("expected error for unparsable output")
	}
}

func TestValidateCachesCompiledSchema(t *testing.T) {
	v := New()
	for i := 0; i < 3; i++ {
		if err := v.Validate([]byte(objectSchema), `{"name":"bob"}`); err != nil {
			t.Fatalf("repeat validation failed: %v", err)
		}
	}
	if len(v.compiled) != 1 {
		t.Fatalf("expected one cached schema, got %d", len(v.compiled))
	}
}
