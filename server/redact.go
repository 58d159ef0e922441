package server

import (
	"encoding/json"
	"strings"
)

// secretKeyPatterns marks JSON keys whose values are redacted from logs and
// audit payloads. Redaction applies to observability output only, never to
// protocol traffic: handlers are responsible for keeping secrets out of
// error payloads.
var secretKeyPatterns = []string{
	"api_key",
	"apikey",
	"api-key",
	"access_token",
	"refresh_token",
	"password",
	"passwd",
	"secret",
	"authorization",
	"bearer",
	"private_key",
}

// secretValuePrefixes marks string values redacted regardless of their key.
var secretValuePrefixes = []string{
	"AKIA",       // AWS access keys
	"sk-",        // API secret keys
	"-----BEGIN", // PEM material
}

const redactedPlaceholder = "[REDACTED]"

// RedactArguments returns a copy of raw JSON arguments with secret-looking
// values replaced, for safe logging. Unparseable input is replaced
// wholesale.
func RedactArguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	out, err := json.Marshal(redactValue(value))
	if err != nil {
		return json.RawMessage(`"` + redactedPlaceholder + `"`)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			if secretKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		if secretValue(v) {
			return redactedPlaceholder
		}
		return v
	default:
		return v
	}
}

func secretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range secretKeyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func secretValue(value string) bool {
	for _, prefix := range secretValuePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
