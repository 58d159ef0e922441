package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func echoSchema() *Schema {
	return Object(map[string]*Schema{
		"message": String("text to echo"),
	}, "message")
}

func TestValidate_RequiredMissing(t *testing.T) {
	err := echoSchema().Validate(json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("Validate() expected error")
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("error type = %T", err)
	}
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	if errs[0].Path != "message" {
		t.Errorf("Path = %q, want message", errs[0].Path)
	}
}

func TestValidate_TypeMismatches(t *testing.T) {
	s := Object(map[string]*Schema{
		"name":  String(""),
		"count": Integer(""),
		"ratio": Number(""),
		"on":    Boolean(""),
		"tags":  Array(String("")),
	})

	tests := []struct {
		name     string
		input    string
		wantPath string
	}{
		{"string got number", `{"name":42}`, "name"},
		{"integer got string", `{"count":"x"}`, "count"},
		{"integer got decimal", `{"count":1.5}`, "count"},
		{"number got bool", `{"ratio":true}`, "ratio"},
		{"bool got string", `{"on":"yes"}`, "on"},
		{"array got object", `{"tags":{}}`, "tags"},
		{"array item wrong type", `{"tags":["a",3]}`, "tags[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(json.RawMessage(tt.input))
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("error type = %T", err)
			}
			if errs[0].Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", errs[0].Path, tt.wantPath)
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"all present", `{"message":"hi"}`},
		{"extra property open object", `{"message":"hi","extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := echoSchema().Validate(json.RawMessage(tt.input)); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestValidate_ClosedObject(t *testing.T) {
	s := Object(map[string]*Schema{
		"message": String(""),
	}, "message").Closed()

	err := s.Validate(json.RawMessage(`{"message":"hi","extra":1}`))
	if err == nil {
		t.Fatal("Validate() expected unknown-property error")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("error type = %T", err)
	}
	if errs[0].Path != "extra" {
		t.Errorf("Path = %q, want extra", errs[0].Path)
	}
}

func TestValidate_NumericBounds(t *testing.T) {
	min, max := 1.0, 10.0
	s := Object(map[string]*Schema{
		"n": {Type: "integer", Minimum: &min, Maximum: &max},
	})

	if err := s.Validate(json.RawMessage(`{"n":5}`)); err != nil {
		t.Errorf("in-range value rejected: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"n":0}`)); err == nil {
		t.Error("below-minimum value accepted")
	}
	if err := s.Validate(json.RawMessage(`{"n":11}`)); err == nil {
		t.Error("above-maximum value accepted")
	}
}

func TestValidate_Enum(t *testing.T) {
	s := Object(map[string]*Schema{
		"mode": {Type: "string", Enum: []any{"fast", "slow"}},
	})

	if err := s.Validate(json.RawMessage(`{"mode":"fast"}`)); err != nil {
		t.Errorf("enum member rejected: %v", err)
	}
	if err := s.Validate(json.RawMessage(`{"mode":"medium"}`)); err == nil {
		t.Error("non-member accepted")
	}
}

func TestValidate_EmptyArgsAgainstRequired(t *testing.T) {
	// Absent arguments behave like an empty object.
	err := echoSchema().Validate(nil)
	if err == nil {
		t.Fatal("Validate(nil) should report the missing required field")
	}
}

func TestValidationErrors_Paths(t *testing.T) {
	errs := ValidationErrors{
		{Path: "a", Message: "x"},
		{Path: "b.c", Message: "y"},
	}
	paths := errs.Paths()
	if len(paths) != 2 || paths[0] != "a" || paths[1] != "b.c" {
		t.Errorf("Paths() = %v", paths)
	}
}
