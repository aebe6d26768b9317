package main

import (
	"fmt"

	"fleet/pkg/config"
	"fleet/pkg/state"
)

// env is the resolved paths and configuration every command starts from.
type env struct {
	paths  *config.Paths
	cfg    *config.Config
	source string // config file the values came from, "" for defaults
}

func loadEnv() (*env, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	cfg, source, err := config.Load(paths.Home)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &env{paths: paths, cfg: cfg, source: source}, nil
}

// slots expands the configured workers into their on-disk locations.
func (e *env) slots() []state.Slot {
	out := make([]state.Slot, 0, len(e.cfg.Workers))
	for _, w := range e.cfg.Workers {
		out = append(out, state.Slot{
			Name:        w.Name,
			Model:       w.Model,
			WorkingCopy: e.cfg.WorkingCopy(w.Name),
			Branch:      e.cfg.Branch(w.Name),
			Session:     e.cfg.Session(w.Name),
		})
	}
	return out
}
