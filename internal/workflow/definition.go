package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Definition describes a workflow in YAML. Tasks reference each other by
// name.
type Definition struct {
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Target      string           `yaml:"target" json:"target"`
	Tags        []string         `yaml:"tags" json:"tags,omitempty"`
	Tasks       []TaskDefinition `yaml:"tasks" json:"tasks"`
}

type TaskDefinition struct {
	Name      string                 `yaml:"name" json:"name"`
	Adapter   string                 `yaml:"adapter" json:"adapter"`
	Options   map[string]interface{} `yaml:"options" json:"options,omitempty"`
	DependsOn []string               `yaml:"depends_on" json:"depends_on,omitempty"`
}

func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}

func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if _, err := def.order(); err != nil {
		return nil, err
	}
	return &def, nil
}

// order returns the tasks so that every task follows its dependencies.
func (d *Definition) order() ([]TaskDefinition, error) {
	byName := make(map[string]TaskDefinition, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task with adapter %q has no name", t.Adapter)
		}
		if t.Adapter == "" {
			return nil, fmt.Errorf("task %q has no adapter", t.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task name %q", t.Name)
		}
		byName[t.Name] = t
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on non-existent task %s: %w", t.Name, dep, ErrUnknownDependency)
			}
		}
	}

	var ordered []TaskDefinition
	placed := make(map[string]bool, len(d.Tasks))
	for len(ordered) < len(d.Tasks) {
		progressed := false
		for _, t := range d.Tasks {
			if placed[t.Name] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, t)
				placed[t.Name] = true
				progressed = true
			}
		}
		if !progressed {
			var remaining []string
			for _, t := range d.Tasks {
				if !placed[t.Name] {
					remaining = append(remaining, t.Name)
				}
			}
			sort.Strings(remaining)
			return nil, fmt.Errorf("circular dependency detected among tasks: %v", remaining)
		}
	}
	return ordered, nil
}

// Apply creates a pending workflow from def and returns it.
func (o *Orchestrator) Apply(def *Definition) (*Workflow, error) {
	tasks, err := def.order()
	if err != nil {
		return nil, err
	}
	if def.Target == "" {
		return nil, fmt.Errorf("workflow %q has no target", def.Name)
	}
	for _, t := range tasks {
		if _, err := o.adapters.Get(t.Adapter); err != nil {
			return nil, fmt.Errorf("task %s: %w: %s", t.Name, ErrAdapterNotFound, t.Adapter)
		}
	}

	wf := o.CreateWorkflow(def.Name, def.Description, def.Target, def.Tags)
	ids := make(map[string]string, len(tasks))
	for _, t := range tasks {
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			deps = append(deps, ids[dep])
		}
		id, err := o.addTask(wf.ID, t.Name, t.Adapter, t.Options, deps)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.Name, err)
		}
		ids[t.Name] = id
	}
	return o.GetWorkflowStatus(wf.ID)
}

// Builtin returns the bundled workflow definitions by name. Targets are
// left empty for the caller to fill in.
func Builtin() map[string]*Definition {
	return map[string]*Definition{
		"recon": {
			Name:        "recon",
			Description: "Crawl the target and probe the discovered hosts",
			Tags:        []string{"recon"},
			Tasks: []TaskDefinition{
				{Name: "crawl", Adapter: "crawl"},
				{Name: "probe", Adapter: "httpx", Options: map[string]interface{}{"follow_redirects": true}},
			},
		},
		"comprehensive": {
			Name:        "comprehensive",
			Description: "Recon, crawl, then template scanning",
			Tags:        []string{"full"},
			Tasks: []TaskDefinition{
				{Name: "probe", Adapter: "httpx", Options: map[string]interface{}{"follow_redirects": true}},
				{Name: "crawl", Adapter: "crawl"},
				{
					Name:      "nuclei",
					Adapter:   "nuclei",
					DependsOn: []string{"probe"},
					Options:   map[string]interface{}{"severity": "critical,high,medium"},
				},
			},
		},
		"api_security": {
			Name:        "api_security",
			Description: "API and GraphQL focused assessment",
			Tags:        []string{"api"},
			Tasks: []TaskDefinition{
				{
					Name:    "api_discovery",
					Adapter: "httpx",
					Options: map[string]interface{}{"paths": []interface{}{"/graphql", "/api", "/swagger.json", "/openapi.json"}},
				},
				{
					Name:      "nuclei_api",
					Adapter:   "nuclei",
					DependsOn: []string{"api_discovery"},
					Options:   map[string]interface{}{"tags": "api,graphql,rest,swagger"},
				},
			},
		},
	}
}
