//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parsed parses the raw attribute text into a typed value: number,
// boolean, object, array, or string. A declared attribute type takes
// precedence; otherwise the value shape decides.
func (a *Attribute) Parsed() any {
	raw := strings.TrimSpace(a.Value)
	switch strings.ToLower(a.Type) {
	case "number", "int", "float":
		if v, ok := parseNumber(raw); ok {
			return v
		}
		return raw
	case "boolean", "bool":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
		return raw
	case "string", "text":
		return unquote(raw)
	case "object", "array", "json":
		if v, ok := parseJSON(raw); ok {
			return v
		}
		return raw
	}
	return ParseValue(raw)
}

// ParseValue parses raw attribute text by shape: JSON object or array,
// boolean, number, quoted string, else plain string.
func ParseValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		if v, ok := parseJSON(raw); ok {
			return v
		}
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if v, ok := parseNumber(raw); ok {
		return v
	}
	return unquote(raw)
}

// AttributeEnv returns the node's attributes as a parsed name->value map.
func (n *Node) AttributeEnv() map[string]any {
	if len(n.Attributes) == 0 {
		return nil
	}
	env := make(map[string]any, len(n.Attributes))
	for i := range n.Attributes {
		env[n.Attributes[i].Name] = n.Attributes[i].Parsed()
	}
	return env
}

func parseNumber(raw string) (any, bool) {
	if raw == "" {
		return nil, false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return nil, false
}

func parseJSON(raw string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

func unquote(raw string) string {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') ||
			(raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1]
		}
	}
	return raw
}
