package toolregistry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PromptCatalog renders every registered tool as a system-prompt section.
// Each tool appears under the name serverId_toolName with its description
// and a tag-form usage template derived from the input schema's properties
// and required list. Output is sorted by key so the catalog is stable
// across refreshes.
func (r *Registry) PromptCatalog() string {
	tools := r.All()
	var b strings.Builder
	b.WriteString("# Available Tools\n")
	for _, t := range tools {
		tag := t.ServerID + "_" + t.Name
		b.WriteString("\n## " + tag + "\n")
		if t.Description != "" {
			b.WriteString(t.Description + "\n")
		}
		b.WriteString("Usage:\n")
		b.WriteString("<" + tag + ">\n")
		for _, p := range schemaParams(t.InputSchema) {
			b.WriteString(fmt.Sprintf("<%s>%s</%s>\n", p.name, p.hint, p.name))
		}
		b.WriteString("</" + tag + ">\n")
	}
	return b.String()
}

type catalogParam struct {
	name string
	hint string
}

// schemaParams extracts parameter names and type hints from a JSON Schema
// object. Required parameters sort first, then alphabetically.
func schemaParams(raw json.RawMessage) []catalogParam {
	if len(raw) == 0 {
		return nil
	}
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	params := make([]catalogParam, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		typ := prop.Type
		if typ == "" {
			typ = "any"
		}
		hint := typ
		if required[name] {
			hint += ", required"
		} else {
			hint += ", optional"
		}
		if prop.Description != "" {
			hint += ": " + prop.Description
		}
		params = append(params, catalogParam{name: name, hint: hint})
	}
	sort.Slice(params, func(i, j int) bool {
		ri, rj := required[params[i].name], required[params[j].name]
		if ri != rj {
			return ri
		}
		return params[i].name < params[j].name
	})
	return params
}
