package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const expenseYAML = `
templates:
  - code: expense-standard
    name: Standard expense
    entity_type: expense
    nodes:
      - node_code: manager
        node_type: SERIAL
        sequence: 1
        assignee: {kind: FIXED_USERS, user_ids: [bob]}
      - node_code: finance
        node_type: CONDITIONAL
        sequence: 2
        condition: {field: amount, operator: GT, value: "1000"}
        assignee: {kind: ROLE, role: FINANCE}
`

// Same definition, different formatting.
const expenseYAMLReformatted = `
# reviewed 2026-01
templates:
- code: expense-standard
  name: Standard expense
  entity_type: expense
  nodes:
  - {node_code: manager, node_type: SERIAL, sequence: 1, assignee: {kind: FIXED_USERS, user_ids: [bob]}}
  - node_code: finance
    node_type: CONDITIONAL
    sequence: 2
    condition:
      field: amount
      operator: GT
      value: "1000"
    assignee:
      kind: ROLE
      role: FINANCE
`

const contractYAML = `
templates:
  - code: contract-legal
    name: Contract review
    entity_type: contract
    nodes:
      - node_code: legal
        node_type: PARALLEL
        sequence: 1
        approval_policy: ANY
        assignee: {kind: ROLE, role: LEGAL}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b-contract.yml", contractYAML)
	writeFile(t, dir, "a-expense.yaml", expenseYAML)
	writeFile(t, dir, "README.md", "not a catalog file")

	defs, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "expense-standard", defs[0].Code)
	assert.Equal(t, "contract-legal", defs[1].Code)

	def := defs[0].Definition()
	assert.Equal(t, CatalogAuthor, def.CreatedBy)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, repository.NodeTypeConditional, def.Nodes[1].NodeType)
	assert.Equal(t, repository.OpGT, def.Nodes[1].Condition.Operator)
	assert.Equal(t, "FINANCE", def.Nodes[1].Assignee.Role)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", expenseYAML)
	writeFile(t, dir, "b.yaml", expenseYAML)
	_, err := Load(dir)
	assert.ErrorContains(t, err, "expense-standard")

	_, err = Load(writeFile(t, t.TempDir(), "bad.yaml", "templates: [{name: missing code}]"))
	assert.ErrorContains(t, err, "without code")

	_, err = Load(writeFile(t, t.TempDir(), "broken.yaml", "templates: {"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestChecksum_IgnoresFormatting(t *testing.T) {
	dir := t.TempDir()
	a, err := Load(writeFile(t, dir, "a.yaml", expenseYAML))
	require.NoError(t, err)
	b, err := Load(writeFile(t, dir, "b.yaml", expenseYAMLReformatted))
	require.NoError(t, err)
	assert.Equal(t, a[0].Checksum(), b[0].Checksum())

	changed := a[0]
	changed.Nodes = append([]Node(nil), a[0].Nodes...)
	changed.Nodes[0].Assignee.UserIDs = []string{"carol"}
	assert.NotEqual(t, a[0].Checksum(), changed.Checksum())
}

func newTemplateService() *service.TemplateService {
	return service.NewTemplateService(memory.New(), nil, repository.ApprovalPolicyAll, logger.Nop())
}

func TestApply_PublishesOnlyChanges(t *testing.T) {
	ctx := context.Background()
	templates := newTemplateService()
	dir := t.TempDir()
	path := writeFile(t, dir, "expense.yaml", expenseYAML)

	res, err := LoadAndApply(ctx, templates, path, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"expense-standard"}, res.Published)
	assert.Empty(t, res.Failed)

	res, err = LoadAndApply(ctx, templates, path, logger.Nop())
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	assert.Equal(t, []string{"expense-standard"}, res.Unchanged)

	writeFile(t, dir, "expense.yaml", expenseYAML+"    description: with finance review\n")
	res, err = LoadAndApply(ctx, templates, path, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"expense-standard"}, res.Published)

	versions, err := templates.ListTemplates(ctx, "expense")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestApply_CollectsFailures(t *testing.T) {
	templates := newTemplateService()
	defs := []Template{
		{Code: "empty", Name: "Empty", EntityType: "expense"},
		{Code: "ok", Name: "Ok", EntityType: "expense", Nodes: []Node{{
			NodeCode: "n1", NodeType: "SERIAL", Sequence: 1,
			Assignee: repository.AssigneeRule{Kind: repository.AssigneeFixedUsers, UserIDs: []string{"bob"}},
		}}},
	}

	res := Apply(context.Background(), templates, defs, logger.Nop())
	assert.Equal(t, []string{"ok"}, res.Published)
	require.Contains(t, res.Failed, "empty")
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "expense.yaml", expenseYAML)

	w, err := NewWatcher(logger.Nop())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	var reloads atomic.Int32
	require.NoError(t, w.Add(path, func(context.Context) { reloads.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, dir, "unrelated.txt", "ignored")
	writeFile(t, dir, "expense.yaml", expenseYAMLReformatted)
	assert.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
