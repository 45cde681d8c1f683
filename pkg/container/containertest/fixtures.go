// Package containertest builds Keras container fixtures for tests.
package containertest

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"

	"bhakti/pkg/hdf5/hdf5test"
)

// Node is one SavedObject of a keras_metadata.pb file.
type Node struct {
	ID         uint64
	Path       string
	Identifier string
	Metadata   string
}

// LayerNode wraps layer metadata JSON in a _tf_keras_layer node.
func LayerNode(id uint64, path, metadata string) Node {
	return Node{ID: id, Path: path, Identifier: "_tf_keras_layer", Metadata: metadata}
}

// SavedMetadata encodes nodes as a SavedMetadata message.
func SavedMetadata(nodes ...Node) []byte {
	var out []byte
	for _, n := range nodes {
		var obj []byte
		obj = protowire.AppendTag(obj, 2, protowire.VarintType)
		obj = protowire.AppendVarint(obj, n.ID)
		obj = protowire.AppendTag(obj, 3, protowire.BytesType)
		obj = protowire.AppendString(obj, n.Path)
		obj = protowire.AppendTag(obj, 4, protowire.BytesType)
		obj = protowire.AppendString(obj, n.Identifier)
		obj = protowire.AppendTag(obj, 5, protowire.BytesType)
		obj = protowire.AppendString(obj, n.Metadata)
		// VersionDef{producer: 2, min_consumer: 1}
		obj = protowire.AppendTag(obj, 6, protowire.BytesType)
		obj = protowire.AppendBytes(obj, []byte{0x08, 0x02, 0x10, 0x01})

		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, obj)
	}
	return out
}

// LambdaMetadata is the node metadata SavedModel writes for a Lambda layer.
func LambdaMetadata(name, encoded string) string {
	return mustJSON(map[string]any{
		"name":       name,
		"class_name": "Lambda",
		"trainable":  true,
		"dtype":      "float32",
		"config": map[string]any{
			"name":     name,
			"dtype":    "float32",
			"function": map[string]any{"class_name": "__tuple__", "items": []any{encoded, nil, nil}},
			"function_type":       "lambda",
			"module":              "__main__",
			"output_shape":        nil,
			"output_shape_type":   "raw",
			"output_shape_module": nil,
			"arguments":           map[string]any{},
		},
	})
}

// DenseMetadata is the node metadata of an ordinary layer.
func DenseMetadata(name string) string {
	return mustJSON(map[string]any{
		"name":       name,
		"class_name": "Dense",
		"config":     map[string]any{"name": name, "units": 10, "activation": "relu"},
	})
}

// LambdaLayer is a Lambda entry of an .h5 model_config layer list.
func LambdaLayer(name, encoded string) map[string]any {
	return map[string]any{
		"class_name": "Lambda",
		"name":       name,
		"config": map[string]any{
			"name":          name,
			"function":      []any{encoded, nil, nil},
			"function_type": "lambda",
			"module":        "__main__",
		},
		"inbound_nodes": []any{},
	}
}

// DenseLayer is an ordinary entry of an .h5 model_config layer list.
func DenseLayer(name string) map[string]any {
	return map[string]any{
		"class_name": "Dense",
		"name":       name,
		"config":     map[string]any{"name": name, "units": 10},
	}
}

// NestedModel wraps layers in a functional sub-model layer.
func NestedModel(name string, layers ...map[string]any) map[string]any {
	return map[string]any{
		"class_name": "Functional",
		"name":       name,
		"config":     map[string]any{"name": name, "layers": toAny(layers)},
	}
}

// ModelConfig renders a model_config attribute value.
func ModelConfig(layers ...map[string]any) string {
	return mustJSON(map[string]any{
		"class_name": "Functional",
		"config":     map[string]any{"name": "model", "layers": toAny(layers)},
	})
}

// H5 builds an HDF5 file whose root group carries the given model_config.
// varLen selects h5py's str encoding over bytes.
func H5(modelConfig string, varLen bool) []byte {
	return hdf5test.Build(hdf5test.Options{
		Attrs: []hdf5test.Attr{
			{Name: "keras_version", Value: "2.12.0"},
			{Name: "backend", Value: "tensorflow"},
			{Name: "model_config", Value: modelConfig, VarLen: varLen},
		},
	})
}

func toAny(layers []map[string]any) []any {
	out := make([]any, len(layers))
	for i, l := range layers {
		out[i] = l
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
