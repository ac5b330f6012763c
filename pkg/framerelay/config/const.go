package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// ConstBlockHandler collects the attributes of every const block and
// evaluates them in dependency order, so a constant may refer to another
// constant defined later or in a different file.
type ConstBlockHandler struct {
	BlockHandlerBase

	consts hcl.Attributes
}

func NewConstBlockHandler() *ConstBlockHandler {
	return &ConstBlockHandler{
		consts: make(hcl.Attributes),
	}
}

func (b *ConstBlockHandler) Preprocess(block *hcl.Block) hcl.Diagnostics {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return diags
	}

	for name, attr := range attrs {
		if existing, exists := b.consts[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate attribute",
				Detail:   fmt.Sprintf("Attribute %s at %v is already defined at %v", name, attr.NameRange, existing.NameRange),
				Subject:  &attr.NameRange,
			})
			continue
		}
		b.consts[name] = attr
	}

	return diags
}

func (b *ConstBlockHandler) FinishPreprocessing(config *Config) hcl.Diagnostics {
	var diags hcl.Diagnostics
	for name, attr := range b.consts {
		if _, reserved := config.Constants[name]; reserved {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Reserved name",
				Detail:   fmt.Sprintf("Constant %s shadows a predefined variable", name),
				Subject:  &attr.NameRange,
			})
		}
	}
	if diags.HasErrors() {
		return diags
	}

	predefined := func(name string) bool {
		_, ok := config.Constants[name]
		return ok
	}

	attrs, diags := SortAttributesByDependencies(b.consts, predefined)
	if diags.HasErrors() {
		return diags
	}

	for _, attribute := range attrs {
		value, evalDiags := attribute.Expr.Value(config.evalCtx)
		diags = diags.Extend(evalDiags)
		config.Constants[attribute.Name] = value
	}

	return diags
}
