package coordination

import (
	"reflect"
	"sort"
	"strings"

	"github.com/tutormesh/tutormesh/pkg/types"
)

// RoutingRule maps matching requests onto a target worker type. FallbackTypes
// are tried in order when no worker of the target type can serve.
type RoutingRule struct {
	Name          string                 `json:"name"`
	Kind          types.EnvelopeKind     `json:"kind,omitempty"`
	Keywords      []string               `json:"keywords,omitempty"`
	Capability    string                 `json:"capability,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	TargetType    types.WorkerType       `json:"target_type"`
	Priority      int                    `json:"priority"`
	FallbackTypes []types.WorkerType     `json:"fallback_types,omitempty"`
}

// matches reports whether the rule applies to a request. An empty Kind
// matches any kind; an empty keyword list matches any content; every Context
// pair must be present and equal in the request context.
func (r *RoutingRule) matches(kind types.EnvelopeKind, content string, requestContext map[string]interface{}) bool {
	if r.Kind != "" && r.Kind != kind {
		return false
	}

	if len(r.Keywords) > 0 {
		lower := strings.ToLower(content)
		found := false
		for _, keyword := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, want := range r.Context {
		got, ok := requestContext[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}

	return true
}

// Router holds the static routing table. Rules are read-only after
// construction.
type Router struct {
	rules       []RoutingRule
	defaultRule RoutingRule
}

// NewRouter creates a router over the given rules with a default rule for
// requests nothing else matches
func NewRouter(rules []RoutingRule, defaultRule RoutingRule) *Router {
	copied := make([]RoutingRule, len(rules))
	copy(copied, rules)

	return &Router{
		rules:       copied,
		defaultRule: defaultRule,
	}
}

// DefaultRouter returns the standard tutoring routing table
func DefaultRouter() *Router {
	rules := []RoutingRule{
		{
			Name:          "code-help",
			Keywords:      []string{"code", "program", "debug", "function", "compile"},
			Capability:    "code",
			TargetType:    types.WorkerTypeTutor,
			Priority:      40,
			FallbackTypes: []types.WorkerType{types.WorkerTypeContent},
		},
		{
			Name:          "assessment-request",
			Keywords:      []string{"quiz", "test me", "assess", "exam"},
			TargetType:    types.WorkerTypeAssessment,
			Priority:      30,
			FallbackTypes: []types.WorkerType{types.WorkerTypeTutor},
		},
		{
			Name:          "feedback-request",
			Keywords:      []string{"review", "feedback", "grade", "check my"},
			TargetType:    types.WorkerTypeFeedback,
			Priority:      25,
			FallbackTypes: []types.WorkerType{types.WorkerTypeTutor},
		},
		{
			Name:          "content-request",
			Keywords:      []string{"summary", "summarize", "outline", "notes"},
			TargetType:    types.WorkerTypeContent,
			Priority:      20,
			FallbackTypes: []types.WorkerType{types.WorkerTypeTutor},
		},
	}

	defaultRule := RoutingRule{
		Name:          "general-tutoring",
		TargetType:    types.WorkerTypeTutor,
		FallbackTypes: []types.WorkerType{types.WorkerTypeContent},
	}

	return NewRouter(rules, defaultRule)
}

// Plan returns every rule matching the request, sorted by descending
// priority. Fanning out to all matching rules is intentional: a request that
// reads as both a quiz and a feedback ask gets both answers. With no match
// the default rule alone forms the plan.
func (r *Router) Plan(kind types.EnvelopeKind, msg *types.Message, requestContext map[string]interface{}) []RoutingRule {
	content := ""
	if msg != nil {
		content = msg.Content
	}

	matched := make([]RoutingRule, 0, len(r.rules))
	for i := range r.rules {
		if r.rules[i].matches(kind, content, requestContext) {
			matched = append(matched, r.rules[i])
		}
	}

	if len(matched) == 0 {
		return []RoutingRule{r.defaultRule}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched
}

// Rules returns a copy of the routing table
func (r *Router) Rules() []RoutingRule {
	copied := make([]RoutingRule, len(r.rules))
	copy(copied, r.rules)
	return copied
}

// DefaultRule returns the rule used when nothing matches
func (r *Router) DefaultRule() RoutingRule {
	return r.defaultRule
}
