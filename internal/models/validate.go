package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// AssetURLScheme is the only URI scheme accepted for task asset addresses.
const AssetURLScheme = "s3"

// MaxParametersBytes bounds the serialized size of a parameters document.
const MaxParametersBytes = 32 * 1024

// ValidateAssetURL checks that raw is a well-formed s3://bucket/key address.
func ValidateAssetURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed asset url: %w", err)
	}
	if parsed.Scheme != AssetURLScheme {
		return fmt.Errorf("asset url scheme must be %q, got %q", AssetURLScheme, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("asset url is missing a bucket")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return fmt.Errorf("asset url is missing a key")
	}
	return nil
}

// ValidateParameters rejects oversized documents and negative values for
// count-like settings. Shape is otherwise schema-agnostic.
func ValidateParameters(params map[string]any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("parameters are not JSON-serializable: %w", err)
	}
	if len(raw) > MaxParametersBytes {
		return fmt.Errorf("parameters document exceeds %d bytes", MaxParametersBytes)
	}
	for _, key := range []string{"quantity", "steps", "cost"} {
		if v, ok := numericParam(params, key); ok && v < 0 {
			return fmt.Errorf("parameter %q must be non-negative", key)
		}
	}
	return nil
}

func numericParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
