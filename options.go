package pkl

import (
	"os"
	"path/filepath"
	"strings"
)

// EvaluatorOptions configures a new evaluator.  The zero value grants no
// module or resource access at all; most callers want
// PreconfiguredOptions().
type EvaluatorOptions struct {
	// AllowedModules lists the URI patterns permitted as imports.
	AllowedModules []string

	// AllowedResources lists the URI patterns permitted as resource
	// reads.
	AllowedResources []string

	// ModuleReaders are the client-side module readers, in precedence
	// order.
	ModuleReaders []ModuleReader

	// ResourceReaders are the client-side resource readers, in
	// precedence order.
	ResourceReaders []ResourceReader

	// ModulePaths are directories, ZIP archives, or JAR archives to
	// search when resolving `modulepath:` URIs.
	ModulePaths []string

	// Env is the set of environment variables exposed to the evaluator.
	Env map[string]string

	// Properties are external property overrides.
	Properties map[string]string

	// TimeoutSeconds, when nonzero, is the server-enforced evaluation
	// time limit.
	TimeoutSeconds int64

	// RootDir restricts file-based module and resource access to paths
	// under it.
	RootDir string

	// CacheDir is the package cache location.
	CacheDir string

	// OutputFormat sets the evaluator's `pkl.outputFormat` external
	// property.
	OutputFormat string

	// Logger receives the evaluator's log output.  Defaults to the
	// manager's logger.
	Logger Logger

	// Decoder decodes evaluation results.  Defaults to a dynamic-mode
	// decoder.
	Decoder *Decoder
}

// PreconfiguredOptions returns options that mirror the evaluator's CLI
// defaults: the standard scheme allow-lists, the ambient environment and
// the default package cache directory.
func PreconfiguredOptions() *EvaluatorOptions {
	opts := &EvaluatorOptions{
		AllowedModules: []string{
			"pkl:", "repl:", "file:", "http:", "https:",
			"modulepath:", "package:", "projectpackage:",
		},
		AllowedResources: []string{
			"http:", "https:", "file:", "env:", "prop:",
			"modulepath:", "package:", "projectpackage:",
		},
		Env: environMap(),
	}
	if home, err := os.UserHomeDir(); err == nil {
		opts.CacheDir = filepath.Join(home, ".pkl", "cache")
	}
	return opts
}

func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// toCreateRequest builds the CreateEvaluator message for these options.
// Reader lists become wire descriptors; the readers themselves stay on the
// client and answer callbacks.
func (o *EvaluatorOptions) toCreateRequest(requestID int64, project *Project) *createEvaluator {
	req := &createEvaluator{
		RequestID:             requestID,
		AllowedModules:        o.AllowedModules,
		AllowedResources:      o.AllowedResources,
		ClientModuleReaders:   moduleReaderDescriptors(o.ModuleReaders),
		ClientResourceReaders: resourceReaderDescriptors(o.ResourceReaders),
		ModulePaths:           o.ModulePaths,
		Env:                   o.Env,
		Properties:            o.Properties,
		TimeoutSeconds:        o.TimeoutSeconds,
		RootDir:               o.RootDir,
		CacheDir:              o.CacheDir,
		OutputFormat:          o.OutputFormat,
		Project:               project,
	}
	// Reader schemes must also be allowed, or the server will refuse to
	// call back.
	for _, r := range o.ModuleReaders {
		req.AllowedModules = appendScheme(req.AllowedModules, r.Scheme())
	}
	for _, r := range o.ResourceReaders {
		req.AllowedResources = appendScheme(req.AllowedResources, r.Scheme())
	}
	return req
}

func appendScheme(patterns []string, scheme string) []string {
	pattern := scheme + ":"
	for _, p := range patterns {
		if p == pattern {
			return patterns
		}
	}
	return append(patterns, pattern)
}
