package apikey

import (
	"reflect"
	"regexp"
	"strings"
)

// EvaluatePermissions decides whether the granted permissions allow the
// action on the resource under the given request context. It is a pure
// function: no match means deny, a matching entry without conditions allows,
// and a matching entry with conditions allows only if every condition holds.
func EvaluatePermissions(perms []Permission, resource, action string, reqCtx map[string]any) bool {
	for _, p := range perms {
		if !matchResource(p.Resource, resource) {
			continue
		}
		if !containsAction(p.Actions, action) {
			continue
		}
		if matchConditions(p.Conditions, reqCtx) {
			return true
		}
	}
	return false
}

// matchResource matches a resource against an exact name or a glob-style
// pattern where * matches any run of characters. Patterns are anchored.
func matchResource(pattern, resource string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == resource
	}

	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(resource)
}

// containsAction reports whether the action set contains the action.
func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// matchConditions checks every condition against the request context. A
// scalar expectation must equal the context value exactly; a list
// expectation must contain it.
func matchConditions(conds map[string]any, reqCtx map[string]any) bool {
	if len(conds) == 0 {
		return true
	}

	for name, expected := range conds {
		actual, ok := reqCtx[name]
		if !ok {
			return false
		}
		if !matchCondition(expected, actual) {
			return false
		}
	}
	return true
}

// matchCondition compares one expected condition value against the actual
// context value.
func matchCondition(expected, actual any) bool {
	switch want := expected.(type) {
	case []string:
		for _, candidate := range want {
			if reflect.DeepEqual(candidate, actual) {
				return true
			}
		}
		return false
	case []any:
		for _, candidate := range want {
			if reflect.DeepEqual(candidate, actual) {
				return true
			}
		}
		return false
	default:
		return reflect.DeepEqual(expected, actual)
	}
}
