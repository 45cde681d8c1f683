package inspect

import (
	"bhakti/pkg/container"
	"bhakti/pkg/pycode"
)

// Record is the analysis result for one artifact.
type Record struct {
	ID                   string         `json:"id" yaml:"id"`
	Type                 container.Kind `json:"type" yaml:"type"`
	ContainsCode         bool           `json:"contains_code" yaml:"contains_code"`
	ExtractedEncodedCode string         `json:"extracted_encoded_code,omitempty" yaml:"extracted_encoded_code,omitempty"`
	Disassembly          *Disassembly   `json:"disassembly,omitempty" yaml:"disassembly,omitempty"`
	StringList           []string       `json:"string_list,omitempty" yaml:"string_list,omitempty"`
	Notes                []string       `json:"notes" yaml:"notes"`
	LayerName            string         `json:"layer_name,omitempty" yaml:"layer_name,omitempty"`
	LambdaLayerCount     int            `json:"lambda_layer_count,omitempty" yaml:"lambda_layer_count,omitempty"`
	PayloadSHA256        string         `json:"payload_sha256,omitempty" yaml:"payload_sha256,omitempty"`
}

// Disassembly holds either a rendered listing or the reason rendering failed.
type Disassembly struct {
	Name          string               `json:"name,omitempty" yaml:"name,omitempty"`
	Python        string               `json:"python,omitempty" yaml:"python,omitempty"`
	Listing       []pycode.Instruction `json:"listing,omitempty" yaml:"listing,omitempty"`
	Nested        []*pycode.Listing    `json:"nested,omitempty" yaml:"nested,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
}

// Failed reports whether rendering the payload failed.
func (d *Disassembly) Failed() bool {
	return d != nil && d.FailureReason != ""
}

func disassemblyOf(l *pycode.Listing) *Disassembly {
	return &Disassembly{
		Name:    l.Name,
		Python:  l.Python,
		Listing: l.Instructions,
		Nested:  l.Nested,
	}
}
