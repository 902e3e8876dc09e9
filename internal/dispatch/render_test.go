package dispatch

import (
	"testing"

	"github.com/foxzi/wapanel/internal/models"
)

func TestBuildParams(t *testing.T) {
	tests := []struct {
		name     string
		campaign map[string]string
		rcp      models.Recipient
		want     map[string]string
	}{
		{
			name:     "built-in variables",
			campaign: map[string]string{"1": "Hola {{name}}", "2": "{{ phone }}"},
			rcp:      models.Recipient{Phone: "5215512345678", Name: "Ana"},
			want:     map[string]string{"1": "Hola Ana", "2": "5215512345678"},
		},
		{
			name:     "recipient variables win over built-ins",
			campaign: map[string]string{"1": "{{name}} {{date}}"},
			rcp: models.Recipient{
				Phone:     "5215512345678",
				Name:      "Ana",
				Variables: map[string]string{"name": "Dra. Ana", "date": "2026-05-04"},
			},
			want: map[string]string{"1": "Dra. Ana 2026-05-04"},
		},
		{
			name:     "recipient variable replaces parameter with same key",
			campaign: map[string]string{"doctor": "default", "1": "x"},
			rcp:      models.Recipient{Phone: "1", Variables: map[string]string{"doctor": "Dr. Ruiz", "extra": "ignored"}},
			want:     map[string]string{"doctor": "Dr. Ruiz", "1": "x"},
		},
		{
			name:     "unknown variable kept",
			campaign: map[string]string{"1": "{{missing}}"},
			rcp:      models.Recipient{Phone: "1"},
			want:     map[string]string{"1": "{{missing}}"},
		},
		{
			name:     "empty name leaves placeholder",
			campaign: map[string]string{"1": "{{name}}"},
			rcp:      models.Recipient{Phone: "1"},
			want:     map[string]string{"1": "{{name}}"},
		},
		{
			name: "no campaign params",
			rcp:  models.Recipient{Phone: "1"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildParams(tt.campaign, &tt.rcp)
			if len(got) != len(tt.want) {
				t.Fatalf("buildParams() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("param %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"a": "1", "b": "2"}

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"{{a}}-{{b}}", "1-2"},
		{"{{ a }}", "1"},
		{"{{a}} {{c}}", "1 {{c}}"},
		{"{{", "{{"},
	}

	for _, tt := range tests {
		if got := renderTemplate(tt.in, vars); got != tt.want {
			t.Errorf("renderTemplate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
