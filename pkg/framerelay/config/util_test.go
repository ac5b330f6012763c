package config

import (
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

func TestConfigParseDuration(t *testing.T) {
	config := &Config{
		Logger: zap.NewNop(),
		evalCtx: &hcl.EvalContext{
			Variables: map[string]cty.Value{
				"retry": cty.StringVal("PT2S"),
			},
		},
	}

	tests := []struct {
		name        string
		input       string
		expected    time.Duration
		expectError bool
	}{
		{name: "integer seconds", input: "30", expected: 30 * time.Second},
		{name: "float seconds", input: "1.5", expected: 1500 * time.Millisecond},
		{name: "zero seconds", input: "0", expected: 0},
		{name: "negative seconds", input: "-5", expectError: true},
		{name: "go duration", input: `"250ms"`, expected: 250 * time.Millisecond},
		{name: "go compound duration", input: `"1m30s"`, expected: 90 * time.Second},
		{name: "padded go duration", input: `" 5s "`, expected: 5 * time.Second},
		{name: "negative go duration", input: `"-1s"`, expectError: true},
		{name: "iso 8601 minutes", input: `"PT5M"`, expected: 5 * time.Minute},
		{name: "iso 8601 days", input: `"P1DT2H"`, expected: 26 * time.Hour},
		{name: "invalid iso 8601", input: `"PXYZ"`, expectError: true},
		{name: "variable", input: "retry", expected: 2 * time.Second},
		{name: "garbage string", input: `"soon"`, expectError: true},
		{name: "bool", input: "true", expectError: true},
		{name: "null", input: "null", expectError: true},
		{name: "undefined variable", input: "nope", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, diags := hclsyntax.ParseExpression([]byte(tt.input), "test.hcl", hcl.InitialPos)
			require.False(t, diags.HasErrors(), diags.Error())

			got, diags := config.ParseDuration(expr)
			if tt.expectError {
				assert.True(t, diags.HasErrors(), "expected error for %s", tt.input)
				return
			}
			require.False(t, diags.HasErrors(), diags.Error())
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestIsExpressionProvided(t *testing.T) {
	expr, diags := hclsyntax.ParseExpression([]byte(`"5s"`), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors())

	assert.True(t, IsExpressionProvided(expr))
	assert.False(t, IsExpressionProvided(nil))
	assert.False(t, IsExpressionProvided(hcl.StaticExpr(cty.NullVal(cty.DynamicPseudoType), hcl.Range{})))
}

func TestSanitizeEnvVarName(t *testing.T) {
	tests := map[string]string{
		"HOME":              "HOME",
		"API_TOKEN":         "API_TOKEN",
		"1PASSWORD":         "_PASSWORD",
		"my.var":            "my_var",
		"with-dash":         "with-dash",
		"-leading":          "_leading",
		"":                  "_",
		"PROGRAMFILES(X86)": "PROGRAMFILES_X86_",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, sanitizeEnvVarName(input), "input %q", input)
	}
}

func TestGetEnvObject(t *testing.T) {
	t.Setenv("FRAMERELAY_TEST_VALUE", "hello")

	env := GetEnvObject()
	require.True(t, env.Type().IsObjectType())
	require.True(t, env.Type().HasAttribute("FRAMERELAY_TEST_VALUE"))
	assert.Equal(t, "hello", env.GetAttr("FRAMERELAY_TEST_VALUE").AsString())
}

func TestSortAttributesByDependencies(t *testing.T) {
	file, diags := hclsyntax.ParseConfig([]byte("c = b + 1\nb = a * 2\na = base\n"), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors())
	attrs, diags := file.Body.JustAttributes()
	require.False(t, diags.HasErrors())

	sorted, diags := SortAttributesByDependencies(attrs, func(name string) bool { return name == "base" })
	require.False(t, diags.HasErrors(), diags.Error())

	names := make([]string, 0, len(sorted))
	for _, attr := range sorted {
		names = append(names, attr.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)

	_, diags = SortAttributesByDependencies(attrs, nil)
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Dependency base of a not found")
}
