package pkl

import (
	"net/url"
	"path/filepath"
)

// ModuleSource designates the module to evaluate: either a URI the server
// resolves itself, or inline text carried under a synthetic `repl:text`
// URI.
type ModuleSource struct {
	// URI is the absolute URI of the module.
	URI string

	// Text is the module's source text.  When empty, the server loads
	// the module from URI at evaluation time.
	Text string
}

// FileSource creates a ModuleSource for a file path.  Relative paths are
// resolved against the current working directory.
func FileSource(pathParts ...string) *ModuleSource {
	path, err := filepath.Abs(filepath.Join(pathParts...))
	if err != nil {
		path = filepath.Join(pathParts...)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return &ModuleSource{URI: u.String()}
}

// TextSource creates a ModuleSource from inline module text.
func TextSource(text string) *ModuleSource {
	return &ModuleSource{URI: "repl:text", Text: text}
}

// URISource creates a ModuleSource for an absolute URI.
func URISource(uri string) *ModuleSource {
	return &ModuleSource{URI: uri}
}
