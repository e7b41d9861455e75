// Package catalog loads approval template definitions from YAML files and
// publishes them through the template service.
//
// A catalog is a single file or a directory of *.yaml / *.yml files, each
// holding a list of templates:
//
//	templates:
//	  - code: expense-standard
//	    name: Standard expense
//	    entity_type: expense
//	    nodes:
//	      - node_code: manager
//	        node_type: SERIAL
//	        sequence: 1
//	        assignee: {kind: INITIATOR_MANAGER}
//	      - node_code: finance
//	        node_type: CONDITIONAL
//	        sequence: 2
//	        condition: {field: amount, operator: GT, value: "1000"}
//	        assignee: {kind: ROLE, role: FINANCE}
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// CatalogAuthor is recorded as CreatedBy on versions published from a catalog.
const CatalogAuthor = "catalog"

type file struct {
	Templates []Template `yaml:"templates"`
}

// Template is one template definition as written in YAML.
type Template struct {
	Code        string `yaml:"code" json:"code"`
	Name        string `yaml:"name" json:"name"`
	EntityType  string `yaml:"entity_type" json:"entity_type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Nodes       []Node `yaml:"nodes" json:"nodes"`
}

// Node is one node of a Template.
type Node struct {
	NodeCode       string                    `yaml:"node_code" json:"node_code"`
	NodeName       string                    `yaml:"node_name,omitempty" json:"node_name,omitempty"`
	NodeType       string                    `yaml:"node_type" json:"node_type"`
	Sequence       int                       `yaml:"sequence" json:"sequence"`
	ApprovalPolicy string                    `yaml:"approval_policy,omitempty" json:"approval_policy,omitempty"`
	Assignee       repository.AssigneeRule   `yaml:"assignee" json:"assignee"`
	Condition      *repository.NodeCondition `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Checksum is the sha256 of the definition's canonical JSON form. Formatting
// and comments in the YAML source do not change it.
func (t Template) Checksum() string {
	data, _ := json.Marshal(t)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Definition converts t for the template service.
func (t Template) Definition() *service.TemplateDefinition {
	nodes := make([]*repository.ApprovalNodeDefinition, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		nodes = append(nodes, &repository.ApprovalNodeDefinition{
			NodeCode:       n.NodeCode,
			NodeName:       n.NodeName,
			NodeType:       repository.NodeType(n.NodeType),
			Sequence:       n.Sequence,
			ApprovalPolicy: repository.ApprovalPolicy(n.ApprovalPolicy),
			Assignee:       n.Assignee,
			Condition:      n.Condition,
		})
	}
	return &service.TemplateDefinition{
		Code:        t.Code,
		Name:        t.Name,
		EntityType:  t.EntityType,
		Description: t.Description,
		Checksum:    t.Checksum(),
		CreatedBy:   CatalogAuthor,
		Nodes:       nodes,
	}
}

// Load reads every template under path. Files in a directory are read in
// name order and a code may only be defined once across the catalog.
func Load(path string) ([]Template, error) {
	files, err := catalogFiles(path)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var out []Template
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", name, err)
		}
		for _, t := range f.Templates {
			if strings.TrimSpace(t.Code) == "" {
				return nil, fmt.Errorf("catalog: %s: template without code", name)
			}
			if prev, dup := seen[t.Code]; dup {
				return nil, fmt.Errorf("catalog: template %q defined in both %s and %s", t.Code, prev, name)
			}
			seen[t.Code] = name
			out = append(out, t)
		}
	}
	return out, nil
}

func catalogFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && isCatalogFile(e.Name()) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isCatalogFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

// Applier publishes a definition unless it is unchanged.
type Applier interface {
	ApplyDefinition(ctx context.Context, def *service.TemplateDefinition) (*service.TemplateDetail, bool, error)
}

// Result summarizes one Apply run.
type Result struct {
	Published []string // codes that got a new version
	Unchanged []string
	Failed    map[string]error
}

// Apply publishes every template. A failing template does not stop the
// others; its error is collected in Result.Failed.
func Apply(ctx context.Context, templates Applier, defs []Template, log *logger.Logger) *Result {
	res := &Result{Failed: make(map[string]error)}
	for _, t := range defs {
		detail, changed, err := templates.ApplyDefinition(ctx, t.Definition())
		if err != nil {
			log.Error().Err(err).Str("code", t.Code).Msg("Failed to apply catalog template")
			res.Failed[t.Code] = err
			continue
		}
		if changed {
			res.Published = append(res.Published, t.Code)
			log.Info().
				Str("code", t.Code).
				Int("version", detail.Template.Version).
				Msg("Catalog template published")
			continue
		}
		res.Unchanged = append(res.Unchanged, t.Code)
	}
	return res
}

// LoadAndApply reads the catalog at path and applies it.
func LoadAndApply(ctx context.Context, templates Applier, path string, log *logger.Logger) (*Result, error) {
	defs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, templates, defs, log), nil
}
