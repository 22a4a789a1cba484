package pkl

import (
	"fmt"
	"net/url"
)

// PathElement is one entry in a module or resource listing.
type PathElement struct {
	// Name is the name of the path element.
	Name string `msgpack:"name"`

	// IsDirectory tells if the path element is a directory.
	IsDirectory bool `msgpack:"isDirectory"`
}

// Reader is the common surface of module and resource readers.  A reader
// answers the server's requests for a single URI scheme; its capability
// flags are declared to the server when the evaluator is created and the
// server tailors its callbacks accordingly, so implementations must honor
// them truthfully.
type Reader interface {
	// Scheme is the URI scheme this reader is responsible for.
	Scheme() string

	// HasHierarchicalUris tells whether the path part of the URI has a
	// hier-part as defined by RFC 3986 section 3.  `file:///some/path`
	// is hierarchical; `pkl.base` is not.
	HasHierarchicalUris() bool

	// IsGlobbable tells whether this reader supports globbing.
	IsGlobbable() bool

	// ListElements returns the elements at the given base URI.  If
	// HasHierarchicalUris is false the path is empty and all available
	// values should be returned.
	//
	// Only called if the reader is globbable, or hierarchical and local.
	ListElements(uri *url.URL) ([]PathElement, error)
}

// ModuleReader loads module source text for a custom URI scheme.
type ModuleReader interface {
	Reader

	// IsLocal tells whether the module is local to the system.  A local
	// reader with hierarchical URIs supports triple-dot imports.
	IsLocal() bool

	// Read returns the source text of the module at uri.
	Read(uri *url.URL) (string, error)
}

// ResourceReader loads resource contents for a custom URI scheme.
type ResourceReader interface {
	Reader

	// Read returns the contents of the resource at uri.
	Read(uri *url.URL) ([]byte, error)
}

// findReader returns the first reader in readers whose scheme matches the
// scheme of uri; list order defines precedence.
func findReader[R Reader](readers []R, uri string) (R, *url.URL, error) {
	var zero R
	u, err := url.Parse(uri)
	if err != nil {
		return zero, nil, fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	for _, r := range readers {
		if r.Scheme() == u.Scheme {
			return r, u, nil
		}
	}
	return zero, nil, fmt.Errorf("no reader for scheme %q", u.Scheme)
}

func moduleReaderDescriptors(readers []ModuleReader) []clientModuleReader {
	if len(readers) == 0 {
		return nil
	}
	out := make([]clientModuleReader, len(readers))
	for i, r := range readers {
		out[i] = clientModuleReader{
			Scheme:              r.Scheme(),
			HasHierarchicalUris: r.HasHierarchicalUris(),
			IsGlobbable:         r.IsGlobbable(),
			IsLocal:             r.IsLocal(),
		}
	}
	return out
}

func resourceReaderDescriptors(readers []ResourceReader) []clientResourceReader {
	if len(readers) == 0 {
		return nil
	}
	out := make([]clientResourceReader, len(readers))
	for i, r := range readers {
		out[i] = clientResourceReader{
			Scheme:              r.Scheme(),
			HasHierarchicalUris: r.HasHierarchicalUris(),
			IsGlobbable:         r.IsGlobbable(),
		}
	}
	return out
}
