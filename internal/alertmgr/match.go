package alertmgr

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/alertpipe/alertpipe/internal/model"
)

// regexCache holds compiled "reg" patterns. Patterns come from strategy
// config, so the set stays small; invalid patterns are cached as nil and
// never match.
var regexCache sync.Map

func matchRegex(pattern, s string) bool {
	v, ok := regexCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			re = nil
		}
		v, _ = regexCache.LoadOrStore(pattern, re)
	}
	re, _ := v.(*regexp.Regexp)
	return re != nil && re.MatchString(s)
}

// EvalConditions evaluates a condition list against string fields. Each
// condition joins with the previous one via its Condition ("and" by
// default). An empty list matches everything.
func EvalConditions(conds []model.FilterCondition, fields map[string]string) bool {
	if len(conds) == 0 {
		return true
	}
	result := evalCondition(&conds[0], fields)
	for i := 1; i < len(conds); i++ {
		c := &conds[i]
		if strings.EqualFold(c.Condition, "or") {
			if result {
				return true
			}
			result = evalCondition(c, fields)
		} else {
			result = result && evalCondition(c, fields)
		}
	}
	return result
}

func evalCondition(c *model.FilterCondition, fields map[string]string) bool {
	actual, present := fields[c.Key]
	switch strings.ToLower(c.Method) {
	case "eq", "include", "":
		if !present {
			return false
		}
		for _, v := range c.Values {
			if actual == v {
				return true
			}
		}
		return false
	case "neq", "exclude":
		if !present {
			return true
		}
		for _, v := range c.Values {
			if actual == v {
				return false
			}
		}
		return true
	case "reg":
		if !present {
			return false
		}
		for _, v := range c.Values {
			if matchRegex(v, actual) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		if !present {
			return false
		}
		a, err := strconv.ParseFloat(actual, 64)
		if err != nil {
			return false
		}
		for _, v := range c.Values {
			b, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			if compareNumeric(strings.ToLower(c.Method), a, b) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareNumeric(method string, a, b float64) bool {
	switch method {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}
