package bundler

import (
	"encoding/json"
	"path/filepath"
)

// Metafile is the subset of the esbuild metafile the emitters need.
type Metafile struct {
	Inputs  map[string]MetafileInput  `json:"inputs"`
	Outputs map[string]MetafileOutput `json:"outputs"`
}

// MetafileInput is an input file in the metafile.
type MetafileInput struct {
	Bytes int `json:"bytes"`
}

// MetafileOutput is an output file in the metafile. Keys are relative to the
// working directory the bundler ran in.
type MetafileOutput struct {
	Bytes      int    `json:"bytes"`
	EntryPoint string `json:"entryPoint,omitempty"`
	CSSBundle  string `json:"cssBundle,omitempty"`
}

func parseMetafile(data string) (*Metafile, error) {
	m := &Metafile{}
	if data == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, err
	}
	return m, nil
}

// output looks up the metafile entry for an absolute output path.
func (m *Metafile) output(workDir, abs string) (MetafileOutput, bool) {
	rel, err := filepath.Rel(workDir, abs)
	if err != nil {
		return MetafileOutput{}, false
	}
	out, ok := m.Outputs[filepath.ToSlash(rel)]
	return out, ok
}
