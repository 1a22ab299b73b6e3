package alertmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alertpipe/alertpipe/internal/model"
)

func TestEvalConditions(t *testing.T) {
	fields := map[string]string{"ip": "10.0.0.1", "module": "gateway", "load": "3.5"}

	tests := []struct {
		name  string
		conds []model.FilterCondition
		want  bool
	}{
		{"empty matches", nil, true},
		{"eq hit", []model.FilterCondition{{Key: "ip", Method: "eq", Values: []string{"10.0.0.1"}}}, true},
		{"eq miss", []model.FilterCondition{{Key: "ip", Method: "eq", Values: []string{"10.0.0.2"}}}, false},
		{"include any of", []model.FilterCondition{{Key: "module", Method: "include", Values: []string{"db", "gateway"}}}, true},
		{"neq on absent key", []model.FilterCondition{{Key: "zone", Method: "neq", Values: []string{"sz"}}}, true},
		{"exclude hit", []model.FilterCondition{{Key: "module", Method: "exclude", Values: []string{"gateway"}}}, false},
		{"numeric gt", []model.FilterCondition{{Key: "load", Method: "gt", Values: []string{"3"}}}, true},
		{"numeric lte miss", []model.FilterCondition{{Key: "load", Method: "lte", Values: []string{"3"}}}, false},
		{"and join", []model.FilterCondition{
			{Key: "ip", Method: "eq", Values: []string{"10.0.0.1"}},
			{Key: "module", Method: "eq", Values: []string{"db"}, Condition: "and"},
		}, false},
		{"or join short circuit", []model.FilterCondition{
			{Key: "ip", Method: "eq", Values: []string{"10.0.0.1"}},
			{Key: "module", Method: "eq", Values: []string{"db"}, Condition: "or"},
		}, true},
		{"or join second leg", []model.FilterCondition{
			{Key: "ip", Method: "eq", Values: []string{"10.0.0.9"}},
			{Key: "module", Method: "eq", Values: []string{"gateway"}, Condition: "or"},
		}, true},
		{"unknown method", []model.FilterCondition{{Key: "ip", Method: "between", Values: []string{"x"}}}, false},
		{"reg substring", []model.FilterCondition{{Key: "module", Method: "reg", Values: []string{"gate"}}}, true},
		{"reg anchored", []model.FilterCondition{{Key: "ip", Method: "reg", Values: []string{`^10\.0\.\d+\.\d+$`}}}, true},
		{"reg anchored miss", []model.FilterCondition{{Key: "ip", Method: "reg", Values: []string{`^192\.168\.`}}}, false},
		{"reg invalid pattern", []model.FilterCondition{{Key: "module", Method: "reg", Values: []string{"gate["}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalConditions(tt.conds, fields))
		})
	}
}
