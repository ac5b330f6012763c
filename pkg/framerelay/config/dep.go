package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/heimdalr/dag"
)

// ExtractReferencesFromAttribute returns the root names of every variable
// the attribute's expression refers to.
func ExtractReferencesFromAttribute(attr *hcl.Attribute) []string {
	var refs []string
	seen := make(map[string]bool)

	for _, traversal := range attr.Expr.Variables() {
		if len(traversal) == 0 {
			continue
		}
		root := traversal.RootName()
		if !seen[root] {
			seen[root] = true
			refs = append(refs, root)
		}
	}

	return refs
}

// SortAttributesByDependencies returns attrs ordered so that every attribute
// comes after the attributes it references. References to names for which
// predefined returns true are satisfied without an edge.
func SortAttributesByDependencies(attrs hcl.Attributes, predefined func(string) bool) ([]*hcl.Attribute, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	graph := dag.NewDAG()

	for _, attr := range attrs {
		err := graph.AddVertexByID(attr.Name, attr)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to add attribute to dependency graph",
				Detail:   fmt.Sprintf("Error adding attribute %s: %s", attr.Name, err),
				Subject:  &attr.NameRange,
			})
		}
	}

	for name, attr := range attrs {
		for _, ref := range ExtractReferencesFromAttribute(attr) {
			if _, exists := attrs[ref]; exists {
				err := graph.AddEdge(ref, name)
				if err != nil {
					diags = diags.Append(&hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Circular dependency detected",
						Detail:   fmt.Sprintf("Cannot add dependency from %s to %s: %s", ref, name, err),
						Subject:  &attr.Range,
					})
				}
			} else if predefined == nil || !predefined(ref) {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Dependency not found",
					Detail:   fmt.Sprintf("Dependency %s of %s not found", ref, name),
					Subject:  &attr.Range,
				})
			}
		}
	}

	if diags.HasErrors() {
		return nil, diags
	}

	visitor := &attributeVertexVisitor{}
	graph.OrderedWalk(visitor)

	return visitor.attrs, diags
}

type attributeVertexVisitor struct {
	attrs []*hcl.Attribute
}

func (v *attributeVertexVisitor) Visit(vertex dag.Vertexer) {
	_, value := vertex.Vertex()
	v.attrs = append(v.attrs, value.(*hcl.Attribute))
}
