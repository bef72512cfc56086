package testutils

import (
	"embed"
	"fmt"
	"path"
	"sort"
)

//go:embed testdata/envelopes/*.json
var envelopes embed.FS

// EnvelopeFile is one recorded queue message.
type EnvelopeFile struct {
	Name string
	Raw  []byte
}

// Envelopes returns the recorded queue messages, valid or not, sorted by name.
func Envelopes() ([]EnvelopeFile, error) {
	const dir = "testdata/envelopes"
	entries, err := envelopes.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	out := make([]EnvelopeFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := envelopes.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		out = append(out, EnvelopeFile{Name: e.Name(), Raw: raw})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
