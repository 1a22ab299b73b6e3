// Package router maps business identifiers to processing clusters.
// Routing rules are ordered; the first matching rule claims a value and
// later rules never see it again.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alertpipe/alertpipe/internal/config"
)

// Router evaluates ordered routing rules for one local cluster.
type Router struct {
	localCluster string
	rules        []compiledRule
}

type compiledRule struct {
	cluster    string
	targetType string
	match      func(string) bool
}

// New compiles the cluster routing rules. An unparsable matcher fails
// construction rather than silently matching nothing.
func New(cfg *config.ClusterConfig) (*Router, error) {
	r := &Router{localCluster: cfg.Name}
	for _, rule := range cfg.Rules {
		m, err := compileMatcher(rule.Matcher)
		if err != nil {
			return nil, fmt.Errorf("routing rule for cluster %s: %w", rule.ClusterName, err)
		}
		r.rules = append(r.rules, compiledRule{
			cluster:    rule.ClusterName,
			targetType: rule.TargetType,
			match:      m,
		})
	}
	return r, nil
}

func compileMatcher(spec string) (func(string) bool, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "true" {
		return func(string) bool { return true }, nil
	}
	op, arg, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("bad matcher %q", spec)
	}
	switch op {
	case "eq":
		return func(v string) bool { return v == arg }, nil
	case "in":
		set := map[string]struct{}{}
		for _, s := range strings.Split(arg, ",") {
			set[strings.TrimSpace(s)] = struct{}{}
		}
		return func(v string) bool { _, ok := set[v]; return ok }, nil
	case "gt", "lt", "gte", "lte":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad matcher %q: %w", spec, err)
		}
		return func(v string) bool {
			x, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			switch op {
			case "gt":
				return x > n
			case "lt":
				return x < n
			case "gte":
				return x >= n
			default:
				return x <= n
			}
		}, nil
	default:
		return nil, fmt.Errorf("unknown matcher op %q", op)
	}
}

// route returns the first cluster claiming the value, or "".
func (r *Router) route(targetType, value string) string {
	for _, rule := range r.rules {
		if rule.targetType != targetType {
			continue
		}
		if rule.match(value) {
			return rule.cluster
		}
	}
	return ""
}

// Match reports whether the value is routed to the local cluster. With no
// rules configured every value is local.
func (r *Router) Match(targetType, value string) bool {
	if len(r.rules) == 0 {
		return true
	}
	return r.route(targetType, value) == r.localCluster
}

// Filter keeps the values routed to the local cluster, preserving order.
func (r *Router) Filter(targetType string, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if r.Match(targetType, v) {
			out = append(out, v)
		}
	}
	return out
}

// TargetsByCluster routes every value to its first matching cluster.
// Unrouted values are grouped under the local cluster.
func (r *Router) TargetsByCluster(targetType string, values []string) map[string][]string {
	out := map[string][]string{}
	for _, v := range values {
		cluster := r.route(targetType, v)
		if cluster == "" {
			cluster = r.localCluster
		}
		out[cluster] = append(out[cluster], v)
	}
	return out
}

// LocalCluster names the cluster this process serves.
func (r *Router) LocalCluster() string { return r.localCluster }
