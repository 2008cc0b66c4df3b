package llm

import "google.golang.org/genai"

// geminiUnsupportedKeys are JSON-schema keywords the Gemini function
// declaration schema rejects.
var geminiUnsupportedKeys = []string{
	"$schema", "$id", "format", "exclusiveMinimum", "exclusiveMaximum",
	"minLength", "maxLength", "minItems", "maxItems", "uniqueItems",
	"pattern", "default", "examples", "const", "additionalProperties", "title",
}

// schemaToGenai converts a JSON schema map into a genai.Schema, dropping
// keywords Gemini does not accept.
func schemaToGenai(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{
		Type:        genaiType(schema),
		Description: stringField(schema, "description"),
		Required:    stringList(schema["required"]),
		Enum:        stringList(schema["enum"]),
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]interface{}); ok {
				out.Properties[name] = schemaToGenai(withoutKeys(m, geminiUnsupportedKeys))
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = schemaToGenai(withoutKeys(items, geminiUnsupportedKeys))
	}
	return out
}

func genaiType(schema map[string]interface{}) genai.Type {
	t, _ := schema["type"].(string)
	if t == "" {
		if types, ok := schema["type"].([]interface{}); ok {
			// ["string","null"] style unions: take the first non-null member.
			for _, v := range types {
				if s, ok := v.(string); ok && s != "null" {
					t = s
					break
				}
			}
		}
	}
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		if _, ok := schema["properties"]; ok {
			return genai.TypeObject
		}
		return genai.TypeString
	}
}

func withoutKeys(m map[string]interface{}, keys []string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringField(schema map[string]interface{}, key string) string {
	if v, ok := schema[key].(string); ok {
		return v
	}
	return ""
}
