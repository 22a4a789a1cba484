package pkl

import (
	"context"
	"fmt"
)

// ProjectDependency is either a *Project or a *RemoteDependency.
type ProjectDependency interface {
	isProjectDependency()
}

// Project describes a local project: its descriptor location and the
// dependencies evaluations resolve against.  Passed to the server when an
// evaluator is created for a project directory.
type Project struct {
	Type string `msgpack:"type"`

	// ProjectFileUri points at the project descriptor file.
	ProjectFileUri string `msgpack:"projectFileUri"`

	// PackageUri is the canonical URI of this project's package, if it
	// publishes one.
	PackageUri string `msgpack:"packageUri,omitempty"`

	// Dependencies maps dependency names to their resolved form.
	Dependencies map[string]ProjectDependency `msgpack:"dependencies"`
}

func (*Project) isProjectDependency() {}

// RemoteDependency is a dependency fetched from a package registry.
type RemoteDependency struct {
	Type string `msgpack:"type"`

	// PackageUri is the canonical URI of the dependency.
	PackageUri string `msgpack:"packageUri,omitempty"`

	// Checksums pins the dependency's metadata.
	Checksums *Checksums `msgpack:"checksums,omitempty"`
}

func (*RemoteDependency) isProjectDependency() {}

// Checksums holds the expected checksums of a remote dependency.
type Checksums struct {
	Sha256 string `msgpack:"sha256"`
}

// LoadProject evaluates the `PklProject` descriptor in dir through a
// short-lived bootstrap evaluator and returns the project with its
// dependency tree resolved.
func (m *EvaluatorManager) LoadProject(ctx context.Context, dir string) (*Project, error) {
	ev, err := m.NewEvaluator(ctx, PreconfiguredOptions())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = ev.Close()
	}()
	return loadProjectFromEvaluator(ctx, ev, dir)
}

func loadProjectFromEvaluator(ctx context.Context, ev *Evaluator, dir string) (*Project, error) {
	value, err := ev.EvaluateOutputValue(ctx, FileSource(dir, "PklProject"))
	if err != nil {
		return nil, err
	}
	obj, ok := value.(*Object)
	if !ok {
		return nil, &SchemaError{Message: fmt.Sprintf("project descriptor evaluated to %T, expected an object", value)}
	}

	seen := make(map[string]bool)
	return projectFromObject(obj, seen)
}

// projectFromObject re-tags a decoded project object.  The dependency map
// forms a finite tree; a project file seen twice on one path means the
// descriptor has a cycle.
func projectFromObject(obj *Object, seen map[string]bool) (*Project, error) {
	fileURI, _ := obj.Get("projectFileUri")
	uri, ok := fileURI.(string)
	if !ok {
		return nil, &SchemaError{Message: "project descriptor has no projectFileUri"}
	}
	if seen[uri] {
		return nil, &SchemaError{Message: fmt.Sprintf("project dependency cycle through %q", uri)}
	}
	seen[uri] = true
	defer delete(seen, uri)

	project := &Project{
		Type:           "local",
		ProjectFileUri: uri,
		Dependencies:   make(map[string]ProjectDependency),
	}
	if pkg, ok := obj.Get("package"); ok {
		if pkgObj, ok := pkg.(*Object); ok {
			if u, ok := pkgObj.Get("uri"); ok {
				project.PackageUri, _ = u.(string)
			}
		}
	}

	deps, ok := obj.Get("dependencies")
	if !ok {
		return project, nil
	}
	for name, dep := range dependencyEntries(deps) {
		depObj, ok := dep.(*Object)
		if !ok {
			return nil, &SchemaError{Message: fmt.Sprintf("dependency %q is %T, expected an object", name, dep)}
		}
		tagged, err := dependencyFromObject(name, depObj, seen)
		if err != nil {
			return nil, err
		}
		project.Dependencies[name] = tagged
	}
	return project, nil
}

func dependencyFromObject(name string, obj *Object, seen map[string]bool) (ProjectDependency, error) {
	switch obj.ClassName() {
	case "Project":
		return projectFromObject(obj, seen)
	case "RemoteDependency":
		dep := &RemoteDependency{Type: "remote"}
		if u, ok := obj.Get("uri"); ok {
			dep.PackageUri, _ = u.(string)
		}
		if sums, ok := obj.Get("checksums"); ok {
			if sumsObj, ok := sums.(*Object); ok {
				if sha, ok := sumsObj.Get("sha256"); ok {
					if s, ok := sha.(string); ok {
						dep.Checksums = &Checksums{Sha256: s}
					}
				}
			}
		}
		return dep, nil
	default:
		return nil, &SchemaError{Message: fmt.Sprintf("dependency %q has unknown class %q", name, obj.ClassName())}
	}
}

// dependencyEntries iterates a decoded dependency collection, which arrives
// as a Map or a Mapping depending on the descriptor.
func dependencyEntries(deps any) map[string]any {
	out := make(map[string]any)
	switch deps := deps.(type) {
	case map[any]any:
		for k, v := range deps {
			if name, ok := k.(string); ok {
				out[name] = v
			}
		}
	case *Mapping:
		for _, k := range deps.Keys() {
			if name, ok := k.(string); ok {
				v, _ := deps.Get(k)
				out[name] = v
			}
		}
	}
	return out
}
