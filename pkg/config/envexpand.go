package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. The {{.VAR_NAME}} syntax avoids collisions with literal $
// characters in passwords and connection strings.
//
// Examples:
//   - {{.ANTHROPIC_API_KEY}} → value of ANTHROPIC_API_KEY
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//
// Unset variables expand to the empty string; validation catches any
// required field that ends up blank.
func ExpandEnv(content []byte) ([]byte, error) {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(content))
	if err != nil {
		return nil, err
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
