package container

import (
	"bytes"
	"encoding/json"
)

const lambdaClass = "Lambda"

type layerConfig struct {
	ClassName string          `json:"class_name"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
}

type lambdaConfig struct {
	Name         string          `json:"name"`
	Function     json.RawMessage `json:"function"`
	FunctionType string          `json:"function_type"`
	Module       string          `json:"module"`
}

// tupleValue is how SavedModel metadata serializes Python tuples.
type tupleValue struct {
	ClassName string            `json:"class_name"`
	Items     []json.RawMessage `json:"items"`
}

// lambdaCounter tracks the first Lambda layer and how many were seen.
type lambdaCounter struct {
	kind  Kind
	diag  Diagnostics
	first *Finding
	count int
}

func (c *lambdaCounter) add(layer layerConfig) {
	c.count++
	if c.first == nil {
		c.first = lambdaFinding(layer, c.kind, c.diag)
	}
}

func (c *lambdaCounter) result() *Finding {
	if c.first == nil {
		return nil
	}
	c.first.LambdaCount = c.count
	if c.count > 1 {
		c.diag.Notef("found %d Lambda layers; only the first (%q) is analyzed", c.count, c.first.LayerName)
	}
	return c.first
}

func lambdaFinding(layer layerConfig, kind Kind, diag Diagnostics) *Finding {
	f := &Finding{ClassName: layer.ClassName, LayerName: layer.Name, Kind: kind}

	var cfg lambdaConfig
	if err := json.Unmarshal(layer.Config, &cfg); err != nil {
		diag.Notef("lambda layer %q has no usable config: %v", layer.Name, err)
		return f
	}
	if f.LayerName == "" {
		f.LayerName = cfg.Name
	}
	f.FunctionType = cfg.FunctionType
	f.Module = cfg.Module

	if cfg.FunctionType == "function" {
		diag.Notef("lambda layer %q references function %s by name; no code is embedded", f.LayerName, bytes.TrimSpace(cfg.Function))
		return f
	}
	payload, ok := encodedPayload(cfg.Function)
	if !ok {
		diag.Notef("lambda layer %q has no encoded function payload", f.LayerName)
		return f
	}
	f.EncodedFunction = payload
	return f
}

// encodedPayload accepts [code, defaults, closure], the {"class_name":
// "__tuple__", "items": [...]} form, and a bare string.
func encodedPayload(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}

	var first json.RawMessage
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil || len(items) == 0 {
			return "", false
		}
		first = items[0]
	case '{':
		var tuple tupleValue
		if json.Unmarshal(raw, &tuple) != nil || len(tuple.Items) == 0 {
			return "", false
		}
		first = tuple.Items[0]
	case '"':
		first = raw
	default:
		return "", false
	}

	var s string
	if json.Unmarshal(first, &s) != nil || s == "" {
		return "", false
	}
	return s, true
}
