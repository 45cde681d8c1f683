package container

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// layerIdentifier marks SavedObject nodes that describe Keras layers.
const layerIdentifier = "_tf_keras_layer"

// SavedMetadata / SavedObject field numbers.
const (
	fieldNodes      protowire.Number = 1
	fieldNodeID     protowire.Number = 2
	fieldNodePath   protowire.Number = 3
	fieldIdentifier protowire.Number = 4
	fieldMetadata   protowire.Number = 5
)

type savedObject struct {
	nodeID     uint64
	nodePath   string
	identifier string
	metadata   string
}

// ParseMetadata scans a keras_metadata.pb file for the first Lambda layer.
func ParseMetadata(data []byte, id string, diag Diagnostics) (*Finding, error) {
	nodes, err := decodeSavedMetadata(data)
	if err != nil {
		return nil, malformed(id, err)
	}

	lambdas := lambdaCounter{kind: KindStructured, diag: diag}
	for _, n := range nodes {
		if n.identifier != layerIdentifier {
			continue
		}
		var layer layerConfig
		if err := json.Unmarshal([]byte(n.metadata), &layer); err != nil {
			diag.Notef("node %d (%s): skipping layer with invalid metadata: %v", n.nodeID, n.nodePath, err)
			continue
		}
		if layer.ClassName == lambdaClass {
			lambdas.add(layer)
		}
	}
	return lambdas.result(), nil
}

func decodeSavedMetadata(b []byte) ([]savedObject, error) {
	var nodes []savedObject
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num != fieldNodes {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("nodes: wire type %d", typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		node, err := decodeSavedObject(v)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", len(nodes), err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func decodeSavedObject(b []byte) (savedObject, error) {
	var obj savedObject
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return obj, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldNodeID:
			if typ != protowire.VarintType {
				return obj, fmt.Errorf("node_id: wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return obj, protowire.ParseError(n)
			}
			obj.nodeID = v
			b = b[n:]
		case fieldNodePath, fieldIdentifier, fieldMetadata:
			if typ != protowire.BytesType {
				return obj, fmt.Errorf("field %d: wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return obj, protowire.ParseError(n)
			}
			if !utf8.Valid(v) {
				return obj, fmt.Errorf("field %d: invalid UTF-8", num)
			}
			switch num {
			case fieldNodePath:
				obj.nodePath = string(v)
			case fieldIdentifier:
				obj.identifier = string(v)
			default:
				obj.metadata = string(v)
			}
			b = b[n:]
		default:
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return obj, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return obj, nil
}
