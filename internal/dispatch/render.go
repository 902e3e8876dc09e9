package dispatch

import (
	"regexp"
	"strings"

	"github.com/foxzi/wapanel/internal/models"
)

// variable pattern for parameter substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// buildParams renders the campaign parameters for one recipient. Variables
// resolve with priority recipient > built-ins > campaign, and a recipient
// variable with the same key as a campaign parameter replaces it.
func buildParams(campaign map[string]string, rcp *models.Recipient) map[string]string {
	vars := mergeVariables(campaign, rcp)

	out := make(map[string]string, len(campaign)+len(rcp.Variables))
	for k, v := range campaign {
		out[k] = renderTemplate(v, vars)
	}
	for k, v := range rcp.Variables {
		if _, ok := campaign[k]; ok {
			out[k] = v
		}
	}
	return out
}

func mergeVariables(campaign map[string]string, rcp *models.Recipient) map[string]string {
	result := make(map[string]string, len(campaign)+len(rcp.Variables)+2)

	for k, v := range campaign {
		result[k] = v
	}

	result["phone"] = rcp.Phone
	if rcp.Name != "" {
		result["name"] = rcp.Name
	}

	for k, v := range rcp.Variables {
		result[k] = v
	}

	return result
}

func renderTemplate(template string, vars map[string]string) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		// Unknown variables stay visible
		return match
	})
}
