package prompts

import (
	"embed"
	"fmt"
	"path"
)

//go:embed templates/*.txt
var templateFS embed.FS

const (
	explainPlaceholder     = "{{ explain }}"
	instructionPlaceholder = "{{ instruction }}"
)

// Profile is everything that varies by TemplateKind.
type Profile struct {
	Kind      TemplateKind
	Language  string
	Dir       string
	Extension string
	// Examples is the catalog of reference documents shipped for the kind,
	// in the order they are interpolated.
	Examples []string

	ExplainSystem       string
	ExplainInstruction  string
	GenerateSystem      string
	GenerateInstruction string
	UpdateSystem        string
	UpdateInstruction   string
}

// ExampleKey is the store key of an example document, e.g.
// "terraform/example2.hcl".
func (p Profile) ExampleKey(id string) string {
	return path.Join(p.Dir, id+p.Extension)
}

var profiles = buildProfiles()

func buildProfiles() map[TemplateKind]Profile {
	explainSystem := mustTemplate("sys_explain")
	explain := mustTemplate("explain")

	table := []struct {
		kind     TemplateKind
		language string
		dir      string
		ext      string
		suffix   string
		examples []string
	}{
		{KindCloudFormation, "CloudFormation YAML", "cloudformation", ".yaml", "cloudformation", []string{"example1", "example2", "example3", "example4"}},
		{KindTerraform, "Terraform HCL", "terraform", ".hcl", "terraform", []string{"example1", "example2", "example3", "example4"}},
		{KindMermaid, "Mermaid", "mermaid", ".mmd", "mermaid", []string{"example1"}},
		{KindFedRAMP, "CloudFormation YAML", "fedramp", ".yaml", "fedramp", []string{"example1"}},
		{KindTerraformFedRAMP, "Terraform tf", "terraform-fedramp", ".tf", "terraform_fedramp", []string{"example1"}},
	}

	out := make(map[TemplateKind]Profile, len(table))
	for _, row := range table {
		out[row.kind] = Profile{
			Kind:                row.kind,
			Language:            row.language,
			Dir:                 row.dir,
			Extension:           row.ext,
			Examples:            row.examples,
			ExplainSystem:       explainSystem,
			ExplainInstruction:  explain,
			GenerateSystem:      mustTemplate("sys_code_" + row.suffix),
			GenerateInstruction: mustTemplate("code_" + row.suffix),
			UpdateSystem:        mustTemplate("sys_update_" + row.suffix),
			UpdateInstruction:   mustTemplate("update_" + row.suffix),
		}
	}
	return out
}

func mustTemplate(name string) string {
	data, err := templateFS.ReadFile("templates/" + name + ".txt")
	if err != nil {
		panic(fmt.Sprintf("prompts: missing template %s: %v", name, err))
	}
	return string(data)
}

// ProfileFor returns the prompt set for kind.
func ProfileFor(kind TemplateKind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, kind)
	}
	return p, nil
}

// Profiles returns every profile in display order.
func Profiles() []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, kind := range Kinds() {
		out = append(out, profiles[kind])
	}
	return out
}
