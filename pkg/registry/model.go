package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const metadataFile = "keras_metadata.pb"

// Sibling is one file of a hub repository.
type Sibling struct {
	RFilename string `json:"rfilename"`
}

// Model is the subset of the hub model description bhakti uses.
type Model struct {
	ID           string          `json:"id"`
	ModelID      string          `json:"modelId,omitempty"`
	Author       string          `json:"author,omitempty"`
	Private      bool            `json:"private"`
	Gated        json.RawMessage `json:"gated,omitempty"`
	LastModified time.Time       `json:"lastModified"`
	Tags         []string        `json:"tags,omitempty"`
	LibraryName  string          `json:"library_name,omitempty"`
	Siblings     []Sibling       `json:"siblings,omitempty"`
}

// IsGated reports whether downloads need an accepted access request. The hub
// sends false or the gating mode ("auto", "manual").
func (m *Model) IsGated() bool {
	g := bytes.TrimSpace(m.Gated)
	return len(g) > 0 && !bytes.Equal(g, []byte("false")) && !bytes.Equal(g, []byte("null"))
}

// KerasFile picks the Keras artifact of the model, if any.
func (m *Model) KerasFile() (string, bool) {
	return SelectFile(m.Siblings)
}

// SelectFile prefers a keras_metadata.pb file and falls back to the first .h5.
func SelectFile(siblings []Sibling) (string, bool) {
	for _, s := range siblings {
		if strings.Contains(s.RFilename, metadataFile) {
			return s.RFilename, true
		}
	}
	for _, s := range siblings {
		if strings.HasSuffix(strings.ToLower(s.RFilename), ".h5") {
			return s.RFilename, true
		}
	}
	return "", false
}

// ValidateRepo checks that repo has the author/model form.
func ValidateRepo(repo string) error {
	author, model, ok := strings.Cut(repo, "/")
	if !ok || author == "" || model == "" || strings.Contains(model, "/") {
		return fmt.Errorf("registry: %q is not an author/model repository id", repo)
	}
	if author == "." || author == ".." || model == "." || model == ".." {
		return fmt.Errorf("registry: %q is not an author/model repository id", repo)
	}
	return nil
}
