package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no experiment with the requested name exists.
var ErrNotFound = errors.New("experiment not found")

// Catalog resolves experiment names to playlist definitions.
type Catalog interface {
	// GetExperiment returns the definition of the named experiment.
	GetExperiment(name string) (*Experiment, error)

	// ListExperiments returns all known experiment names, sorted.
	ListExperiments() []string
}

// Experiment is a playable experiment definition: an ordered list of
// slide definitions, each an ordered list of widget definitions.
type Experiment struct {
	Name         string   `yaml:"name"`
	VersionLabel string   `yaml:"version"`
	Title        string   `yaml:"title,omitempty"`
	MaxAttempts  int      `yaml:"max_attempts,omitempty"`
	Shuffle      bool     `yaml:"shuffle,omitempty"`
	SampleSize   int      `yaml:"sample_size,omitempty"`
	Instructions []string `yaml:"instructions,omitempty"`
	Slides       []Slide  `yaml:"slides"`
}

// Slide is an ordered list of widgets presented together.
type Slide struct {
	Name    string   `yaml:"name"`
	Widgets []Widget `yaml:"widgets"`
}

// Widget is a single interactive element on a slide. Params are
// kind-specific and interpreted by the widget registry.
type Widget struct {
	Name   string         `yaml:"name"`
	Kind   string         `yaml:"kind"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Compile-time interface check.
var _ Catalog = (*dirCatalog)(nil)

// dirCatalog serves experiment definitions from a directory of YAML
// files, one experiment per file.
type dirCatalog struct {
	log logrus.FieldLogger

	mu          sync.RWMutex
	experiments map[string]*Experiment
}

// NewDirCatalog loads all experiment definitions under dir.
func NewDirCatalog(log logrus.FieldLogger, dir string) (Catalog, error) {
	c := &dirCatalog{
		log:         log.WithField("component", "catalog"),
		experiments: make(map[string]*Experiment),
	}

	if err := c.load(dir); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *dirCatalog) load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading catalog dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		exp, err := loadExperimentFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", entry.Name(), err)
		}

		if _, exists := c.experiments[exp.Name]; exists {
			return fmt.Errorf("duplicate experiment %q in %s", exp.Name, entry.Name())
		}

		c.experiments[exp.Name] = exp
	}

	c.log.WithField("experiments", len(c.experiments)).Info("Catalog loaded")

	return nil
}

func loadExperimentFile(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parsing file: %w", err)
	}

	if err := exp.validate(); err != nil {
		return nil, err
	}

	return &exp, nil
}

func (e *Experiment) validate() error {
	if e.Name == "" {
		return fmt.Errorf("experiment name is required")
	}

	if strings.ToLower(e.Name) != e.Name {
		return fmt.Errorf("experiment name %q must be lowercase", e.Name)
	}

	if e.VersionLabel == "" {
		return fmt.Errorf("experiment %q: version is required", e.Name)
	}

	if len(e.Slides) == 0 {
		return fmt.Errorf("experiment %q: at least one slide is required", e.Name)
	}

	if e.SampleSize < 0 || e.SampleSize > len(e.Slides) {
		return fmt.Errorf(
			"experiment %q: sample_size %d out of range (have %d slides)",
			e.Name, e.SampleSize, len(e.Slides),
		)
	}

	for i, slide := range e.Slides {
		if slide.Name == "" {
			return fmt.Errorf("experiment %q: slide %d: name is required", e.Name, i)
		}

		if len(slide.Widgets) == 0 {
			return fmt.Errorf(
				"experiment %q: slide %q: at least one widget is required",
				e.Name, slide.Name,
			)
		}

		seen := make(map[string]struct{}, len(slide.Widgets))

		for j, widget := range slide.Widgets {
			if widget.Name == "" {
				return fmt.Errorf(
					"experiment %q: slide %q: widget %d: name is required",
					e.Name, slide.Name, j,
				)
			}

			if widget.Kind == "" {
				return fmt.Errorf(
					"experiment %q: slide %q: widget %q: kind is required",
					e.Name, slide.Name, widget.Name,
				)
			}

			if _, exists := seen[widget.Name]; exists {
				return fmt.Errorf(
					"experiment %q: slide %q: duplicate widget name %q",
					e.Name, slide.Name, widget.Name,
				)
			}

			seen[widget.Name] = struct{}{}
		}
	}

	return nil
}

func (c *dirCatalog) GetExperiment(name string) (*Experiment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	exp, ok := c.experiments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return exp, nil
}

func (c *dirCatalog) ListExperiments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.experiments))
	for name := range c.experiments {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
