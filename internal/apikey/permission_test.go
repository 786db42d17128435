package apikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluatePermissions(t *testing.T) {
	tests := []struct {
		name     string
		perms    []Permission
		resource string
		action   string
		reqCtx   map[string]any
		want     bool
	}{
		{
			name:     "no permissions denies",
			perms:    nil,
			resource: "files",
			action:   "read",
			want:     false,
		},
		{
			name: "exact resource and action",
			perms: []Permission{
				{Resource: "files", Actions: []string{"read", "write"}},
			},
			resource: "files",
			action:   "read",
			want:     true,
		},
		{
			name: "action not granted",
			perms: []Permission{
				{Resource: "files", Actions: []string{"read"}},
			},
			resource: "files",
			action:   "delete",
			want:     false,
		},
		{
			name: "resource mismatch",
			perms: []Permission{
				{Resource: "files", Actions: []string{"read"}},
			},
			resource: "users",
			action:   "read",
			want:     false,
		},
		{
			name: "trailing wildcard",
			perms: []Permission{
				{Resource: "files.*", Actions: []string{"read"}},
			},
			resource: "files.reports",
			action:   "read",
			want:     true,
		},
		{
			name: "wildcard matches empty run",
			perms: []Permission{
				{Resource: "files.*", Actions: []string{"read"}},
			},
			resource: "files.",
			action:   "read",
			want:     true,
		},
		{
			name: "wildcard does not match the bare prefix",
			perms: []Permission{
				{Resource: "files.*", Actions: []string{"read"}},
			},
			resource: "files",
			action:   "read",
			want:     false,
		},
		{
			name: "lone wildcard matches everything",
			perms: []Permission{
				{Resource: "*", Actions: []string{"read"}},
			},
			resource: "anything.at.all",
			action:   "read",
			want:     true,
		},
		{
			name: "inner wildcard",
			perms: []Permission{
				{Resource: "files.*.meta", Actions: []string{"read"}},
			},
			resource: "files.reports.meta",
			action:   "read",
			want:     true,
		},
		{
			name: "pattern is anchored",
			perms: []Permission{
				{Resource: "files.*", Actions: []string{"read"}},
			},
			resource: "prefix.files.reports",
			action:   "read",
			want:     false,
		},
		{
			name: "regex metacharacters are literal",
			perms: []Permission{
				{Resource: "files.v1", Actions: []string{"read"}},
			},
			resource: "filesXv1",
			action:   "read",
			want:     false,
		},
		{
			name: "scalar condition matches",
			perms: []Permission{
				{
					Resource:   "files",
					Actions:    []string{"read"},
					Conditions: map[string]any{"env": "prod"},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{"env": "prod"},
			want:     true,
		},
		{
			name: "scalar condition mismatch",
			perms: []Permission{
				{
					Resource:   "files",
					Actions:    []string{"read"},
					Conditions: map[string]any{"env": "prod"},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{"env": "staging"},
			want:     false,
		},
		{
			name: "missing context key denies",
			perms: []Permission{
				{
					Resource:   "files",
					Actions:    []string{"read"},
					Conditions: map[string]any{"env": "prod"},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{},
			want:     false,
		},
		{
			name: "list condition membership",
			perms: []Permission{
				{
					Resource:   "files",
					Actions:    []string{"read"},
					Conditions: map[string]any{"region": []string{"eu", "us"}},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{"region": "us"},
			want:     true,
		},
		{
			name: "list condition non-membership",
			perms: []Permission{
				{
					Resource:   "files",
					Actions:    []string{"read"},
					Conditions: map[string]any{"region": []any{"eu", "us"}},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{"region": "ap"},
			want:     false,
		},
		{
			name: "all conditions must hold",
			perms: []Permission{
				{
					Resource: "files",
					Actions:  []string{"read"},
					Conditions: map[string]any{
						"env":    "prod",
						"region": "us",
					},
				},
			},
			resource: "files",
			action:   "read",
			reqCtx:   map[string]any{"env": "prod", "region": "eu"},
			want:     false,
		},
		{
			name: "second grant can allow after first fails",
			perms: []Permission{
				{Resource: "users", Actions: []string{"read"}},
				{Resource: "files", Actions: []string{"read"}},
			},
			resource: "files",
			action:   "read",
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePermissions(tt.perms, tt.resource, tt.action, tt.reqCtx)
			assert.Equal(t, tt.want, got)
		})
	}
}
