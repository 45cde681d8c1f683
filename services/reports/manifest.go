package reports

import (
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest is the signed description of a bundle.
type Manifest struct {
	Version          string    `yaml:"version"`
	CreatedAt        time.Time `yaml:"created_at"`
	Signer           string    `yaml:"signer,omitempty"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
	Summary          Summary   `yaml:"summary"`
	Files            []File    `yaml:"files"`
}

// Summary counts the analysis records across all results files.
type Summary struct {
	Records      int `yaml:"records"`
	ContainsCode int `yaml:"contains_code"`
	Undecodable  int `yaml:"undecodable"`
}

// File is one bundled file. Path is relative to the results/ directory of
// the archive.
type File struct {
	Path    string `yaml:"path"`
	Kind    string `yaml:"kind"`
	Size    int64  `yaml:"size"`
	SHA256  string `yaml:"sha256"`
	Records int    `yaml:"records,omitempty"`
}

// SigningBytes is the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
