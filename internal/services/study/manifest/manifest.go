// Package manifest loads the YAML study definition: which interface
// template and dataset to serve, and the allocation policy knobs.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the manifest omits the policy knobs: three
// completions per task and a one hour limit before an abandoned
// allocation is reclaimed.
const (
	DefaultCompletionsPerTask = 3
	DefaultTaskTimeLimit      = time.Hour
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30m" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Manifest describes one study deployment.
type Manifest struct {
	// StudyID labels the deployment in submissions and logs.
	StudyID string `yaml:"study_id"`
	// Template is the interface HTML file, relative to the manifest.
	Template string `yaml:"template"`
	// Data is the study CSV, relative to the manifest.
	Data string `yaml:"data"`
	// CompletionsPerTask is the replica quota per task number.
	CompletionsPerTask int `yaml:"completions_per_task"`
	// TaskTimeLimit is how long a participant may hold an allocation.
	TaskTimeLimit Duration `yaml:"task_time_limit"`
	// SweepInterval is how often the expiry sweeper runs. Defaults to
	// the task time limit.
	SweepInterval Duration `yaml:"sweep_interval"`
	// NumberOfTasks caps how many dataset rows are seeded. Zero means
	// every row.
	NumberOfTasks int `yaml:"number_of_tasks"`
	// Static is an optional directory of assets the interface template
	// references, relative to the manifest. Empty disables the route.
	Static string `yaml:"static"`
}

// Load reads and validates a manifest file. Relative template and data
// paths are resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return Manifest{}, fmt.Errorf("manifest path is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	if m.CompletionsPerTask == 0 {
		m.CompletionsPerTask = DefaultCompletionsPerTask
	}
	if m.TaskTimeLimit == 0 {
		m.TaskTimeLimit = Duration(DefaultTaskTimeLimit)
	}
	if m.SweepInterval == 0 {
		m.SweepInterval = m.TaskTimeLimit
	}

	if err := m.validate(); err != nil {
		return Manifest{}, err
	}

	dir := filepath.Dir(path)
	if !filepath.IsAbs(m.Template) {
		m.Template = filepath.Join(dir, m.Template)
	}
	if !filepath.IsAbs(m.Data) {
		m.Data = filepath.Join(dir, m.Data)
	}
	if m.Static != "" && !filepath.IsAbs(m.Static) {
		m.Static = filepath.Join(dir, m.Static)
	}
	return m, nil
}

func (m Manifest) validate() error {
	if strings.TrimSpace(m.Template) == "" {
		return fmt.Errorf("manifest: template is required")
	}
	if strings.TrimSpace(m.Data) == "" {
		return fmt.Errorf("manifest: data is required")
	}
	if m.CompletionsPerTask < 0 {
		return fmt.Errorf("manifest: completions_per_task must not be negative")
	}
	if m.TaskTimeLimit < 0 {
		return fmt.Errorf("manifest: task_time_limit must not be negative")
	}
	if m.SweepInterval < 0 {
		return fmt.Errorf("manifest: sweep_interval must not be negative")
	}
	if m.NumberOfTasks < 0 {
		return fmt.Errorf("manifest: number_of_tasks must not be negative")
	}
	return nil
}
