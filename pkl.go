// Package pkl evaluates Pkl configuration modules by driving the evaluator
// in a child process over its message-pack RPC protocol.
//
// The typical entry points are [Load] for one-shot evaluation, or an
// [EvaluatorManager] when several modules share one evaluator process:
//
//	manager, err := pkl.NewEvaluatorManager()
//	...
//	defer manager.Close()
//	ev, err := manager.NewEvaluator(ctx, pkl.PreconfiguredOptions())
//	...
//	value, err := ev.EvaluateModule(ctx, pkl.FileSource("config.pkl"))
package pkl

import (
	"context"
	"errors"
)

// Load evaluates one module and tears everything down again: it creates a
// manager and an evaluator, evaluates expr within the module (the whole
// module when expr is empty), and closes both.
func Load(ctx context.Context, source *ModuleSource, expr string, opts *EvaluatorOptions, managerOpts ...ManagerOption) (any, error) {
	manager, err := NewEvaluatorManager(managerOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = manager.Close()
	}()

	ev, err := manager.NewEvaluator(ctx, opts)
	if err != nil {
		return nil, err
	}
	value, err := ev.Evaluate(ctx, source, expr)
	return value, errors.Join(err, ev.Close())
}

// LoadModule evaluates the whole module; see Load.
func LoadModule(ctx context.Context, source *ModuleSource, opts *EvaluatorOptions, managerOpts ...ManagerOption) (any, error) {
	return Load(ctx, source, "", opts, managerOpts...)
}

// LoadWithProject is Load for modules that belong to the project rooted at
// projectDir: imports resolve against the project's dependency list.
func LoadWithProject(ctx context.Context, projectDir string, source *ModuleSource, expr string, opts *EvaluatorOptions, managerOpts ...ManagerOption) (any, error) {
	manager, err := NewEvaluatorManager(managerOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = manager.Close()
	}()

	ev, err := manager.NewProjectEvaluator(ctx, projectDir, opts)
	if err != nil {
		return nil, err
	}
	value, err := ev.Evaluate(ctx, source, expr)
	return value, errors.Join(err, ev.Close())
}

// LoadProject evaluates the `PklProject` descriptor in dir with a dedicated
// manager; see EvaluatorManager.LoadProject.
func LoadProject(ctx context.Context, dir string, managerOpts ...ManagerOption) (*Project, error) {
	manager, err := NewEvaluatorManager(managerOpts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = manager.Close()
	}()
	return manager.LoadProject(ctx, dir)
}
