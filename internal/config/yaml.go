package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// yamlToJSON re-encodes a YAML document as JSON so one strict decoder
// (DisallowUnknownFields) serves both config formats. Files without a YAML
// extension pass through untouched.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(jsonable(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// jsonable rewrites the decoded node tree so json.Marshal accepts it: map
// keys become strings, nested containers are converted in place.
func jsonable(v any) any {
	switch node := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(node))
		for k, val := range node {
			m[fmt.Sprint(k)] = jsonable(val)
		}
		return m
	case map[string]any:
		for k, val := range node {
			node[k] = jsonable(val)
		}
		return node
	case []any:
		for i, val := range node {
			node[i] = jsonable(val)
		}
		return node
	}
	return v
}
