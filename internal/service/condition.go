package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// formValues is form_data decoded with numbers kept as json.Number so money
// amounts compare exactly.
type formValues map[string]interface{}

func decodeForm(data json.RawMessage) (formValues, error) {
	form := formValues{}
	if len(bytes.TrimSpace(data)) == 0 {
		return form, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&form); err != nil || form == nil {
		return nil, errors.InvalidInput("form_data", "must be a JSON object")
	}
	return form, nil
}

// lookup resolves a dotted path such as "contract.amount".
func (f formValues) lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// stringList returns the value at path as a list of strings. Scalars become a
// one-element list.
func (f formValues) stringList(path string) []string {
	v, ok := f.lookup(path)
	if !ok {
		return nil
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := scalarString(v); s != "" {
		return []string{s}
	}
	return nil
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// EvaluateCondition reports whether cond holds for the given form data. A
// missing field never satisfies a condition.
func EvaluateCondition(cond *repository.NodeCondition, formData json.RawMessage) (bool, error) {
	if cond == nil {
		return true, nil
	}
	form, err := decodeForm(formData)
	if err != nil {
		return false, err
	}
	raw, ok := form.lookup(cond.Field)
	if !ok {
		return false, nil
	}
	actual := scalarString(raw)

	switch cond.Operator {
	case repository.OpEQ:
		return valuesEqual(actual, cond.Value), nil
	case repository.OpNE:
		return !valuesEqual(actual, cond.Value), nil
	case repository.OpIN:
		for _, v := range cond.Values {
			if valuesEqual(actual, v) {
				return true, nil
			}
		}
		return false, nil
	case repository.OpGT, repository.OpGTE, repository.OpLT, repository.OpLTE:
		want, err := decimal.NewFromString(cond.Value)
		if err != nil {
			return false, errors.Configuration("condition on %q compares with non-numeric value %q", cond.Field, cond.Value)
		}
		got, err := decimal.NewFromString(actual)
		if err != nil {
			return false, nil
		}
		switch cond.Operator {
		case repository.OpGT:
			return got.GreaterThan(want), nil
		case repository.OpGTE:
			return got.GreaterThanOrEqual(want), nil
		case repository.OpLT:
			return got.LessThan(want), nil
		default:
			return got.LessThanOrEqual(want), nil
		}
	}
	return false, errors.Configuration("unknown condition operator %q", cond.Operator)
}

// valuesEqual compares numerically when both sides are numbers, so "1000"
// equals "1000.00".
func valuesEqual(a, b string) bool {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return a == b
}

func validateCondition(nodeCode string, cond *repository.NodeCondition) error {
	if cond == nil {
		return errors.Configuration("node %s: conditional node requires a condition", nodeCode)
	}
	if strings.TrimSpace(cond.Field) == "" {
		return errors.Configuration("node %s: condition field is required", nodeCode)
	}
	switch cond.Operator {
	case repository.OpEQ, repository.OpNE:
	case repository.OpIN:
		if len(cond.Values) == 0 {
			return errors.Configuration("node %s: IN condition requires values", nodeCode)
		}
	case repository.OpGT, repository.OpGTE, repository.OpLT, repository.OpLTE:
		if _, err := decimal.NewFromString(cond.Value); err != nil {
			return errors.Configuration("node %s: %s condition requires a numeric value, got %q", nodeCode, cond.Operator, cond.Value)
		}
	default:
		return errors.Configuration("node %s: unknown condition operator %q", nodeCode, fmt.Sprint(cond.Operator))
	}
	return nil
}
