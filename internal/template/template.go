// Package template holds the static routine definition used to materialize a
// new day's schedule document.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dayroutine/internal/model"
)

// Template is an immutable, ordered activity list. Construct it with New,
// Default or Load.
type Template struct {
	activities []model.Activity
	version    string
}

// New validates activities and builds a Template. Completion flags on the
// input are ignored.
func New(activities []model.Activity) (*Template, error) {
	if len(activities) == 0 {
		return nil, errors.New("template has no activities")
	}

	seen := make(map[string]struct{}, len(activities))
	acts := make([]model.Activity, 0, len(activities))
	for i, a := range activities {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("template activity %d: empty id", i)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("template activity %q: duplicate id", a.ID)
		}
		if !a.Section.Valid() {
			return nil, fmt.Errorf("template activity %q: unknown section %q", a.ID, a.Section)
		}
		seen[a.ID] = struct{}{}
		a.Completed = false
		acts = append(acts, a)
	}

	return &Template{
		activities: acts,
		version:    computeVersion(acts),
	}, nil
}

// Activities returns a fresh copy of the template with every activity incomplete.
func (t *Template) Activities() []model.Activity {
	return model.CloneActivities(t.activities)
}

// Document returns a new schedule document built from the template.
func (t *Template) Document() *model.ScheduleDocument {
	return &model.ScheduleDocument{
		Activities:      t.Activities(),
		TemplateVersion: t.version,
	}
}

// Version is a short content hash of the template definition.
func (t *Template) Version() string {
	return t.version
}

func (t *Template) Len() int {
	return len(t.activities)
}

// Reconcile merges activities read from a document created under another
// template version. The result follows template order and carries completion
// by id; ids missing from the document are added as incomplete. Ids unknown
// to the template are appended in their stored order when preserveExtra is set,
// otherwise dropped.
func (t *Template) Reconcile(stored []model.Activity, preserveExtra bool) []model.Activity {
	done := make(map[string]bool, len(stored))
	for _, a := range stored {
		done[a.ID] = a.Completed
	}

	out := t.Activities()
	known := make(map[string]struct{}, len(out))
	for i := range out {
		known[out[i].ID] = struct{}{}
		out[i].Completed = done[out[i].ID]
	}

	if preserveExtra {
		for _, a := range stored {
			if _, ok := known[a.ID]; !ok {
				out = append(out, a)
			}
		}
	}
	return out
}

func computeVersion(acts []model.Activity) string {
	h := sha256.New()
	for _, a := range acts {
		// Field separator and record separator keep the encoding unambiguous.
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%s\x1e", a.ID, a.Time, a.Description, a.Icon, a.Section)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:6])
}

// fileFormat is the YAML layout accepted by Load.
type fileFormat struct {
	Activities []model.Activity `yaml:"activities"`
}

// Load reads a template from a YAML file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML template definition.
func Parse(data []byte) (*Template, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return New(f.Activities)
}

// Marshal encodes the template as YAML in the format Parse accepts.
func (t *Template) Marshal() ([]byte, error) {
	return yaml.Marshal(fileFormat{Activities: t.activities})
}
