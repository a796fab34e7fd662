package docs

import (
	_ "embed"
	"encoding/json"
	"sort"
	"strings"
)

//go:embed swagger.json
var swaggerJSON []byte

// Endpoint is one operation of the API as listed on the index page.
type Endpoint struct {
	Method  string
	Path    string
	Summary string
	Tag     string
	Auth    []string
}

type operation struct {
	Summary  string                `json:"summary"`
	Tags     []string              `json:"tags"`
	Security []map[string][]string `json:"security"`
}

// Endpoints lists the operations in swagger.json, ordered by tag, path and
// method.
func Endpoints() ([]Endpoint, error) {
	var doc struct {
		Paths map[string]map[string]operation `json:"paths"`
	}
	if err := json.Unmarshal(swaggerJSON, &doc); err != nil {
		return nil, err
	}

	var out []Endpoint
	for path, ops := range doc.Paths {
		for method, op := range ops {
			e := Endpoint{Method: strings.ToUpper(method), Path: path, Summary: op.Summary}
			if len(op.Tags) > 0 {
				e.Tag = op.Tags[0]
			}
			for _, req := range op.Security {
				for name := range req {
					e.Auth = append(e.Auth, name)
				}
			}
			sort.Strings(e.Auth)
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Method < b.Method
	})
	return out, nil
}
