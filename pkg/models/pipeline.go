package models

import (
	"fmt"
	"time"
)

// Stage is one step of a pipeline: the workers to invoke, its failure
// policy, and the earlier stages it depends on.
type Stage struct {
	// Name identifies the stage within its pipeline.
	Name string `mapstructure:"name" yaml:"name"`
	// Workers names the routing targets dispatched concurrently.
	Workers []string `mapstructure:"workers" yaml:"workers"`
	// Blocking aborts the pipeline run if the stage does not succeed.
	Blocking bool `mapstructure:"blocking" yaml:"blocking"`
	// Timeout bounds the wait for all dispatched worker outcomes.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// DependsOn lists stage names whose outcome must be success.
	DependsOn []string `mapstructure:"depends_on" yaml:"depends_on"`
	// Synchronized gates stage completion on a quorum barrier over the
	// stage's workers.
	Synchronized bool `mapstructure:"synchronized" yaml:"synchronized"`
}

// Pipeline is an ordered sequence of stages.
type Pipeline struct {
	// Name identifies the pipeline.
	Name string `mapstructure:"name" yaml:"name"`
	// Stages run in declared order, subject to prerequisites.
	Stages []Stage `mapstructure:"stages" yaml:"stages"`
}

// Stage returns the named stage, or nil if absent.
func (p *Pipeline) Stage(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// Validate checks stage names are unique, every prerequisite names an
// earlier stage, and every stage dispatches at least one worker.
// Restricting prerequisites to earlier stages keeps the graph acyclic
// by construction.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline missing name")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	seen := make(map[string]int, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %q: stage %d missing name", p.Name, i)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("pipeline %q: duplicate stage %q", p.Name, st.Name)
		}
		if len(st.Workers) == 0 {
			return fmt.Errorf("pipeline %q: stage %q names no workers", p.Name, st.Name)
		}
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				return fmt.Errorf("pipeline %q: stage %q depends on itself", p.Name, st.Name)
			}
			at, ok := seen[dep]
			if !ok {
				return fmt.Errorf("pipeline %q: stage %q depends on unknown or later stage %q", p.Name, st.Name, dep)
			}
			_ = at
		}
		seen[st.Name] = i
	}
	return nil
}
