// Package topology reads the compose-style service topology and checks the
// parts startup relies on: declared volumes and networks, dependency
// conditions backed by healthchecks, and an acyclic start order.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ConditionStarted   = "service_started"
	ConditionHealthy   = "service_healthy"
	ConditionCompleted = "service_completed_successfully"
)

type Topology struct {
	Name     string              `yaml:"name"`
	Services map[string]Service  `yaml:"services"`
	Networks map[string]*Network `yaml:"networks"`
	Volumes  map[string]*Volume  `yaml:"volumes"`

	// Dir is the directory relative build contexts resolve against. Load
	// sets it; when empty, build contexts are not checked on disk.
	Dir string `yaml:"-"`
}

type Service struct {
	Image         string       `yaml:"image"`
	Build         *Build       `yaml:"build"`
	ContainerName string       `yaml:"container_name"`
	Ports         []string     `yaml:"ports"`
	Volumes       []Mount      `yaml:"volumes"`
	Networks      NameList     `yaml:"networks"`
	DependsOn     Dependencies `yaml:"depends_on"`
	Healthcheck   *Healthcheck `yaml:"healthcheck"`
	Restart       string       `yaml:"restart"`
}

type Network struct {
	Driver string `yaml:"driver"`
}

type Volume struct {
	Driver string `yaml:"driver"`
}

type Healthcheck struct {
	Test        NameList `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period"`
	Disable     bool     `yaml:"disable"`
}

// Build is a service build entry, either a bare context path or the long
// form with dockerfile and args.
type Build struct {
	Context    string    `yaml:"context"`
	Dockerfile string    `yaml:"dockerfile"`
	Args       BuildArgs `yaml:"args"`
}

func (b *Build) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*b = Build{Context: n.Value}
		return nil
	}
	type plain Build
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*b = Build(p)
	return nil
}

// Remote reports whether the context is a URL rather than a local directory.
func (b Build) Remote() bool {
	return strings.Contains(b.Context, "://") || strings.HasPrefix(b.Context, "git@")
}

// Paths resolves the local context directory and Dockerfile against dir.
func (b Build) Paths(dir string) (contextDir, dockerfile string) {
	contextDir = b.Context
	if contextDir == "" {
		contextDir = "."
	}
	if !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(dir, contextDir)
	}
	dockerfile = b.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(contextDir, dockerfile)
	}
	return contextDir, dockerfile
}

// BuildArgs accepts both the "KEY=value" list and the mapping form.
type BuildArgs map[string]string

func (a *BuildArgs) UnmarshalYAML(n *yaml.Node) error {
	out := BuildArgs{}
	switch n.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		for _, item := range items {
			k, v, _ := strings.Cut(item, "=")
			out[k] = v
		}
	case yaml.MappingNode:
		var m map[string]string
		if err := n.Decode(&m); err != nil {
			return err
		}
		for k, v := range m {
			out[k] = v
		}
	default:
		return fmt.Errorf("line %d: build args must be a list or a mapping", n.Line)
	}
	*a = out
	return nil
}

// Dependency is one depends_on entry.
type Dependency struct {
	Condition string `yaml:"condition"`
}

// Dependencies accepts both the list and the mapping form of depends_on.
type Dependencies map[string]Dependency

func (d *Dependencies) UnmarshalYAML(n *yaml.Node) error {
	out := Dependencies{}
	switch n.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := n.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			out[name] = Dependency{Condition: ConditionStarted}
		}
	case yaml.MappingNode:
		var m map[string]Dependency
		if err := n.Decode(&m); err != nil {
			return err
		}
		for name, dep := range m {
			if dep.Condition == "" {
				dep.Condition = ConditionStarted
			}
			out[name] = dep
		}
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a mapping", n.Line)
	}
	*d = out
	return nil
}

// NameList accepts a scalar, a list, or a mapping (whose keys are taken).
type NameList []string

func (l *NameList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*l = NameList{n.Value}
	case yaml.SequenceNode:
		var s []string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*l = s
	case yaml.MappingNode:
		var keys []string
		for i := 0; i < len(n.Content); i += 2 {
			keys = append(keys, n.Content[i].Value)
		}
		*l = keys
	default:
		return fmt.Errorf("line %d: expected a name or a list of names", n.Line)
	}
	return nil
}

// Mount is a service volume entry in short ("src:dst[:mode]") or long form.
type Mount struct {
	Type   string `yaml:"type"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

func (m *Mount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.MappingNode {
		type plain Mount
		var p plain
		if err := n.Decode(&p); err != nil {
			return err
		}
		*m = Mount(p)
		if m.Type == "" {
			m.Type = mountType(m.Source)
		}
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		*m = Mount{Type: "volume", Target: parts[0]}
	default:
		*m = Mount{Type: mountType(parts[0]), Source: parts[0], Target: parts[1]}
	}
	return nil
}

func mountType(source string) string {
	if source == "" {
		return "volume"
	}
	if strings.HasPrefix(source, ".") || strings.HasPrefix(source, "/") || strings.HasPrefix(source, "~") || strings.HasPrefix(source, "$") {
		return "bind"
	}
	return "volume"
}

// Named reports whether the mount refers to a top-level named volume.
func (m Mount) Named() bool { return m.Type == "volume" && m.Source != "" }

// Parse decodes a topology document.
func Parse(b []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("yaml parse: %w", err)
	}
	return &t, nil
}

// Load parses the file at path and records its directory for build checks.
func Load(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(b)
	if err != nil {
		return nil, err
	}
	t.Dir = filepath.Dir(path)
	return t, nil
}

// ServiceNames returns the service names sorted.
func (t *Topology) ServiceNames() []string {
	names := make([]string, 0, len(t.Services))
	for name := range t.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate returns the first problem found, naming its path.
func Validate(t *Topology) error {
	if len(t.Services) == 0 {
		return fmt.Errorf("missing required field: services")
	}
	for _, name := range t.ServiceNames() {
		svc := t.Services[name]
		if svc.Image == "" && svc.Build == nil {
			return fmt.Errorf("services.%s: one of image or build is required", name)
		}
		if err := checkBuild(t.Dir, svc.Build); err != nil {
			return fmt.Errorf("services.%s.build: %w", name, err)
		}
		for i, p := range svc.Ports {
			if _, _, err := SplitPort(p); err != nil {
				return fmt.Errorf("services.%s.ports[%d]: %w", name, i, err)
			}
		}
		for i, m := range svc.Volumes {
			if m.Target == "" {
				return fmt.Errorf("services.%s.volumes[%d]: missing target", name, i)
			}
			if m.Named() {
				if _, ok := t.Volumes[m.Source]; !ok {
					return fmt.Errorf("services.%s.volumes[%d]: volume %q is not declared under volumes", name, i, m.Source)
				}
			}
		}
		for _, n := range svc.Networks {
			if _, ok := t.Networks[n]; !ok {
				return fmt.Errorf("services.%s.networks: network %q is not declared under networks", name, n)
			}
		}
		deps := make([]string, 0, len(svc.DependsOn))
		for dep := range svc.DependsOn {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			cond := svc.DependsOn[dep].Condition
			target, ok := t.Services[dep]
			if !ok {
				return fmt.Errorf("services.%s.depends_on.%s: unknown service", name, dep)
			}
			if dep == name {
				return fmt.Errorf("services.%s.depends_on.%s: service depends on itself", name, dep)
			}
			switch cond {
			case ConditionStarted, ConditionCompleted:
			case ConditionHealthy:
				if target.Healthcheck == nil || target.Healthcheck.Disable || len(target.Healthcheck.Test) == 0 {
					return fmt.Errorf("services.%s.depends_on.%s: condition %s requires %s to declare a healthcheck", name, dep, cond, dep)
				}
			default:
				return fmt.Errorf("services.%s.depends_on.%s: unknown condition %q", name, dep, cond)
			}
		}
	}
	if _, err := Levels(t); err != nil {
		return err
	}
	return nil
}

func checkBuild(dir string, b *Build) error {
	if dir == "" || b == nil || b.Remote() {
		return nil
	}
	contextDir, dockerfile := b.Paths(dir)
	if st, err := os.Stat(contextDir); err != nil || !st.IsDir() {
		return fmt.Errorf("context %s is not a directory", contextDir)
	}
	if _, err := os.Stat(dockerfile); err != nil {
		return fmt.Errorf("dockerfile %s not found", dockerfile)
	}
	return nil
}

// SplitPort parses "[ip:]host:container[/proto]" and returns host and
// container ports. A bare container port yields an empty host port.
func SplitPort(spec string) (host, container string, err error) {
	s, _, _ := strings.Cut(spec, "/")
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		container = parts[0]
	case 2:
		host, container = parts[0], parts[1]
	case 3:
		host, container = parts[1], parts[2]
	default:
		return "", "", fmt.Errorf("invalid port mapping %q", spec)
	}
	if container == "" || strings.Trim(container, "0123456789-") != "" || strings.Trim(host, "0123456789-") != "" {
		return "", "", fmt.Errorf("invalid port mapping %q", spec)
	}
	return host, container, nil
}
