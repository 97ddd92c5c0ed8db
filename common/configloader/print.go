package configloader

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const redacted = "******"

// secretMarkers: ключи, содержащие одну из подстрок, печатаются замаскированными
// вместе со всем поддеревом (telemetry.headers, sasl.password в properties).
var secretMarkers = []string{"password", "secret", "token", "headers", "credential"}

// PrintConfig выводит конфиг в читаемом виде, маскируя секреты.
func PrintConfig(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("configloader: marshal: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("configloader: unmarshal: %w", err)
	}
	b, err := json.MarshalIndent(redact(tree, false), "", "  ")
	if err != nil {
		return fmt.Errorf("configloader: marshal: %w", err)
	}
	_, err = fmt.Fprintf(w, "Loaded configuration:\n%s\n", b)
	return err
}

func redact(node interface{}, secret bool) interface{} {
	switch n := node.(type) {
	case map[string]interface{}:
		for k, v := range n {
			n[k] = redact(v, secret || isSecretKey(k))
		}
		return n
	case []interface{}:
		for i, v := range n {
			n[i] = redact(v, secret)
		}
		return n
	case string:
		if secret && n != "" {
			return redacted
		}
		return n
	default:
		if secret && n != nil {
			return redacted
		}
		return n
	}
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, m := range secretMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}
