package container

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"bhakti/pkg/hdf5"
)

const (
	modelConfigAttr = "model_config"
	maxModelDepth   = 32
)

type modelConfig struct {
	ClassName string          `json:"class_name"`
	Config    json.RawMessage `json:"config"`
}

type layersOnly struct {
	Layers []json.RawMessage `json:"layers"`
}

// ParseAttributes scans the model_config root attribute of an HDF5 file for the
// first Lambda layer of the top-level layer list. Nested models are searched
// only when the top level has none, but their Lambdas are always counted.
func ParseAttributes(r io.ReaderAt, size int64, id string, diag Diagnostics) (*Finding, error) {
	f, err := hdf5.Open(r, size)
	if err != nil {
		return nil, malformed(id, err)
	}

	attr, err := f.RootAttribute(modelConfigAttr)
	if errors.Is(err, hdf5.ErrAttributeNotFound) {
		diag.Notef("%s was not saved with an extractable model config", id)
		return nil, nil
	}
	if err != nil {
		return nil, malformed(id, err)
	}
	text, ok := attr.String()
	if !ok {
		return nil, malformed(id, fmt.Errorf("%s is not a string attribute", modelConfigAttr))
	}

	var model modelConfig
	if err := json.Unmarshal([]byte(text), &model); err != nil {
		return nil, malformed(id, fmt.Errorf("%s: %w", modelConfigAttr, err))
	}
	if len(bytes.TrimSpace(model.Config)) == 0 {
		diag.Notef("%s was not saved in a way that allows config extraction: no config", id)
		return nil, nil
	}

	lambdas := lambdaCounter{kind: KindAttribute, diag: diag}
	walkLayers(model.Config, 0, &lambdas, diag)
	return lambdas.result(), nil
}

// walkLayers visits the layers of one model config. Lambda layers listed
// directly in a config are taken before any nested model is entered, so the
// first top-level Lambda wins; nested models are then walked in layer order.
// A config is either an object with a layers list or, for legacy Sequential
// saves, the list itself.
func walkLayers(config json.RawMessage, depth int, lambdas *lambdaCounter, diag Diagnostics) {
	if depth > maxModelDepth {
		diag.Notef("model nesting deeper than %d; remaining layers skipped", maxModelDepth)
		return
	}

	layers, ok := layerList(config)
	if !ok {
		if depth == 0 {
			diag.Notef("model config has no layer list")
		}
		return
	}

	var nested []json.RawMessage
	for i, raw := range layers {
		var layer layerConfig
		if err := json.Unmarshal(raw, &layer); err != nil {
			diag.Notef("layer %d: skipping invalid layer config: %v", i, err)
			continue
		}
		if layer.ClassName == lambdaClass {
			lambdas.add(layer)
			continue
		}
		if _, ok := layerList(layer.Config); ok {
			nested = append(nested, layer.Config)
		}
	}
	for _, cfg := range nested {
		walkLayers(cfg, depth+1, lambdas, diag)
	}
}

func layerList(config json.RawMessage) ([]json.RawMessage, bool) {
	config = bytes.TrimSpace(config)
	if len(config) == 0 {
		return nil, false
	}
	switch config[0] {
	case '[':
		var layers []json.RawMessage
		if json.Unmarshal(config, &layers) != nil {
			return nil, false
		}
		return layers, true
	case '{':
		var obj layersOnly
		if json.Unmarshal(config, &obj) != nil || obj.Layers == nil {
			return nil, false
		}
		return obj.Layers, true
	}
	return nil, false
}
