// Package schema provides JSON Schema generation and validation for tool
// inputs.
//
// Schemas can be built two ways: generated from a Go struct with Generate
// (honoring `json` and `jsonschema` struct tags), or composed directly with
// the Object/String/Integer/Number/Boolean/Array helpers:
//
//	s := schema.Object(map[string]*schema.Schema{
//	    "message": schema.String("the text to echo"),
//	}, "message")
//
// Validate checks raw JSON arguments against the schema and reports every
// violation with the JSON path of the offending property.
package schema
