package translator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	maxTools          = 32
	maxToolParamBytes = 50 * 1024
)

// forbiddenSchemaKeys are stripped from tool parameter schemas before they
// are forwarded upstream.
var forbiddenSchemaKeys = map[string]struct{}{
	"$schema":   {},
	"__proto__": {},
	"prototype": {},
}

// ConvertOpenAITools normalizes OpenAI tool declarations into an upstream
// functionDeclarations list.
func ConvertOpenAITools(rawJSON []byte) ([]interface{}, error) {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.Exists() || !tools.IsArray() {
		return nil, nil
	}
	var decls []interface{}
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			return nil, fmt.Errorf("unsupported tool type %q", tool.Get("type").String())
		}
		decl, err := makeDeclaration(
			tool.Get("function.name").String(),
			tool.Get("function.description").String(),
			tool.Get("function.parameters"),
		)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return wrapDeclarations(decls)
}

// ConvertAnthropicTools normalizes Anthropic tool declarations, which carry
// name, description and input_schema at top level.
func ConvertAnthropicTools(rawJSON []byte) ([]interface{}, error) {
	tools := gjson.GetBytes(rawJSON, "tools")
	if !tools.Exists() || !tools.IsArray() {
		return nil, nil
	}
	var decls []interface{}
	for _, tool := range tools.Array() {
		if t := tool.Get("type").String(); t != "" && t != "custom" {
			return nil, fmt.Errorf("unsupported tool type %q", t)
		}
		decl, err := makeDeclaration(
			tool.Get("name").String(),
			tool.Get("description").String(),
			tool.Get("input_schema"),
		)
		if err != nil {
			return nil, err
		}
		decls = append(decls, decl)
	}
	return wrapDeclarations(decls)
}

func wrapDeclarations(decls []interface{}) ([]interface{}, error) {
	if len(decls) == 0 {
		return nil, nil
	}
	if len(decls) > maxTools {
		return nil, fmt.Errorf("too many tools: %d (limit %d)", len(decls), maxTools)
	}
	return []interface{}{
		map[string]interface{}{"functionDeclarations": decls},
	}, nil
}

func makeDeclaration(name, description string, params gjson.Result) (map[string]interface{}, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name must not be empty")
	}
	decl := map[string]interface{}{
		"name":        name,
		"description": description,
	}
	if params.Exists() {
		var schema interface{}
		if err := json.Unmarshal([]byte(params.Raw), &schema); err != nil {
			return nil, fmt.Errorf("tool %s has invalid parameters: %w", name, err)
		}
		schema = stripSchemaKeys(schema)
		encoded, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("tool %s parameters: %w", name, err)
		}
		if len(encoded) > maxToolParamBytes {
			return nil, fmt.Errorf("tool %s parameters exceed %d bytes", name, maxToolParamBytes)
		}
		decl["parameters"] = schema
	}
	return decl, nil
}

// stripSchemaKeys removes forbidden keys from a schema tree.
func stripSchemaKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for key := range forbiddenSchemaKeys {
			delete(t, key)
		}
		for k, child := range t {
			t[k] = stripSchemaKeys(child)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = stripSchemaKeys(child)
		}
		return t
	default:
		return v
	}
}
