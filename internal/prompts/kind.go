package prompts

import (
	"errors"
	"fmt"
	"strings"
)

// TemplateKind selects the output format and with it the prompt set and
// reference examples.
type TemplateKind string

const (
	KindCloudFormation   TemplateKind = "CloudFormation"
	KindTerraform        TemplateKind = "Terraform"
	KindMermaid          TemplateKind = "Mermaid"
	KindFedRAMP          TemplateKind = "FedRAMP"
	KindTerraformFedRAMP TemplateKind = "TerraformFedRAMP"
)

// ErrUnknownTemplate is returned for a template kind with no prompt set.
var ErrUnknownTemplate = errors.New("prompts: unknown template kind")

var kindAliases = map[string]TemplateKind{
	"cloudformation":    KindCloudFormation,
	"cfn":               KindCloudFormation,
	"terraform":         KindTerraform,
	"hcl":               KindTerraform,
	"mermaid":           KindMermaid,
	"fedramp":           KindFedRAMP,
	"terraformfedramp":  KindTerraformFedRAMP,
	"terraform-fedramp": KindTerraformFedRAMP,
	"terraform_fedramp": KindTerraformFedRAMP,
}

// ParseTemplateKind resolves a user supplied name case-insensitively.
func ParseTemplateKind(raw string) (TemplateKind, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if kind, ok := kindAliases[key]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, raw)
}

// Kinds lists the supported kinds in display order.
func Kinds() []TemplateKind {
	return []TemplateKind{
		KindCloudFormation,
		KindTerraform,
		KindMermaid,
		KindFedRAMP,
		KindTerraformFedRAMP,
	}
}
