package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestEvaluateCondition(t *testing.T) {
	form := json.RawMessage(`{
		"amount": 12000.50,
		"currency": "EUR",
		"urgent": true,
		"contract": {"value": "999.99", "region": "APAC"},
		"note": null
	}`)

	tests := []struct {
		name string
		cond *repository.NodeCondition
		want bool
	}{
		{"nil condition", nil, true},
		{"gt", &repository.NodeCondition{Field: "amount", Operator: repository.OpGT, Value: "10000"}, true},
		{"gte boundary", &repository.NodeCondition{Field: "amount", Operator: repository.OpGTE, Value: "12000.5"}, true},
		{"lt", &repository.NodeCondition{Field: "amount", Operator: repository.OpLT, Value: "12000.50"}, false},
		{"lte", &repository.NodeCondition{Field: "contract.value", Operator: repository.OpLTE, Value: "1000"}, true},
		{"eq numeric", &repository.NodeCondition{Field: "contract.value", Operator: repository.OpEQ, Value: "999.990"}, true},
		{"eq string", &repository.NodeCondition{Field: "currency", Operator: repository.OpEQ, Value: "EUR"}, true},
		{"eq bool", &repository.NodeCondition{Field: "urgent", Operator: repository.OpEQ, Value: "true"}, true},
		{"ne", &repository.NodeCondition{Field: "currency", Operator: repository.OpNE, Value: "USD"}, true},
		{"in", &repository.NodeCondition{Field: "contract.region", Operator: repository.OpIN, Values: []string{"EMEA", "APAC"}}, true},
		{"not in", &repository.NodeCondition{Field: "currency", Operator: repository.OpIN, Values: []string{"USD", "GBP"}}, false},
		{"missing field", &repository.NodeCondition{Field: "missing", Operator: repository.OpNE, Value: "x"}, false},
		{"null field", &repository.NodeCondition{Field: "note", Operator: repository.OpNE, Value: "x"}, false},
		{"path through scalar", &repository.NodeCondition{Field: "currency.code", Operator: repository.OpEQ, Value: "EUR"}, false},
		{"non-numeric actual", &repository.NodeCondition{Field: "currency", Operator: repository.OpGT, Value: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.cond, form)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_Errors(t *testing.T) {
	_, err := EvaluateCondition(&repository.NodeCondition{Field: "amount", Operator: repository.OpGT, Value: "lots"}, json.RawMessage(`{"amount": 1}`))
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	_, err = EvaluateCondition(&repository.NodeCondition{Field: "amount", Operator: "LIKE", Value: "1"}, json.RawMessage(`{"amount": 1}`))
	assert.True(t, errors.Is(err, errors.ErrCodeConfiguration))

	_, err = EvaluateCondition(&repository.NodeCondition{Field: "amount", Operator: repository.OpEQ, Value: "1"}, json.RawMessage(`"text"`))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestFormValues_StringList(t *testing.T) {
	form, err := decodeForm(json.RawMessage(`{"approvers": ["u1", "", 42], "owner": "u9", "meta": {"lead": "u3"}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "42"}, form.stringList("approvers"))
	assert.Equal(t, []string{"u9"}, form.stringList("owner"))
	assert.Equal(t, []string{"u3"}, form.stringList("meta.lead"))
	assert.Nil(t, form.stringList("nobody"))
}

func TestValidateCondition(t *testing.T) {
	assert.Error(t, validateCondition("n", nil))
	assert.Error(t, validateCondition("n", &repository.NodeCondition{Operator: repository.OpEQ}))
	assert.Error(t, validateCondition("n", &repository.NodeCondition{Field: "a", Operator: repository.OpIN}))
	assert.Error(t, validateCondition("n", &repository.NodeCondition{Field: "a", Operator: repository.OpGT, Value: "x"}))
	assert.Error(t, validateCondition("n", &repository.NodeCondition{Field: "a", Operator: "BETWEEN"}))
	assert.NoError(t, validateCondition("n", &repository.NodeCondition{Field: "a", Operator: repository.OpLTE, Value: "10.5"}))
}
