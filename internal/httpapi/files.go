package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/wisbric/inspector/internal/store"
)

// Header is a single response header declared on a fixture.
type Header struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// Fixture is a stored HTTP response: raw body plus the headers and status
// code the server must emit verbatim — it adds nothing of its own.
type Fixture struct {
	Raw        string   `json:"raw"`
	Headers    []Header `json:"headers"`
	StatusCode int      `json:"status_code"`
}

// FileTree maps a file path (no leading slash) to its fixture.
type FileTree map[string]Fixture

func defaultIndexHTML() Fixture {
	body := "<!doctype html><html><body>It works!</body></html>"
	return Fixture{
		Raw:        base64.StdEncoding.EncodeToString([]byte(body)),
		Headers:    []Header{{Header: "Content-Type", Value: "text/html; charset=utf-8"}},
		StatusCode: 200,
	}
}

func filesKey(subdomain string) string { return "files:" + subdomain }

// loadFileTree reads a tenant's file tree, auto-creating a default
// index.html (and persisting it) if the tenant has none yet.
func loadFileTree(s *store.Store, subdomain string) (FileTree, error) {
	raw, err := s.Get(filesKey(subdomain))
	if err != nil {
		tree := FileTree{"index.html": defaultIndexHTML()}
		if werr := saveFileTree(s, subdomain, tree); werr != nil {
			return nil, werr
		}
		return tree, nil
	}
	var tree FileTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	if _, ok := tree["index.html"]; !ok {
		tree["index.html"] = defaultIndexHTML()
	}
	return tree, nil
}

func saveFileTree(s *store.Store, subdomain string, tree FileTree) error {
	b, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return s.Set(filesKey(subdomain), b)
}

// ErrIndexRequired is returned when a write would remove index.html.
var ErrIndexRequired = errIndexRequired{}

type errIndexRequired struct{}

func (errIndexRequired) Error() string { return "index.html must exist" }

// replaceFileTree validates and persists a full tree replacement.
func replaceFileTree(s *store.Store, subdomain string, tree FileTree) error {
	if _, ok := tree["index.html"]; !ok {
		return ErrIndexRequired
	}
	return saveFileTree(s, subdomain, tree)
}

// resolvePath implements the file resolution cascade (§4.4.1): exact
// match, then path+"/index.html", then index.html at each ancestor
// directory walking up from the deepest segment, then root index.html.
func resolvePath(tree FileTree, path string) (string, Fixture, bool) {
	p := strings.Trim(path, "/")
	if p == "" {
		p = "index.html"
	}
	if fx, ok := tree[p]; ok {
		return p, fx, true
	}
	candidate := p + "/index.html"
	if fx, ok := tree[candidate]; ok {
		return candidate, fx, true
	}
	segments := strings.Split(p, "/")
	for i := len(segments) - 1; i > 0; i-- {
		candidate = strings.Join(segments[:i], "/") + "/index.html"
		if fx, ok := tree[candidate]; ok {
			return candidate, fx, true
		}
	}
	if fx, ok := tree["index.html"]; ok {
		return "index.html", fx, true
	}
	return "", Fixture{}, false
}
