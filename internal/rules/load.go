package rules

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Load reads a rules file on top of the built-in defaults and validates the
// result. An empty path yields the validated defaults.
func Load(path string) (*Catalog, error) {
	cat := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: read %s", path)
		}
		if err := Parse(data, cat); err != nil {
			return nil, err
		}
	}
	if err := Validate(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

// Parse decodes a rules document into cat. Entries present in the document
// replace the matching entries of cat; absent entries are kept.
func Parse(data []byte, cat *Catalog) error {
	var wrapper struct {
		Rules *Catalog `yaml:"rules"`
	}
	wrapper.Rules = cat
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return eris.Wrap(err, "rules: parse")
	}
	return nil
}
