// Package prompts carries the embedded system prompts for agent roles and
// the renderer that expands them. Orchestrators treat prompt text as opaque;
// everything an agent is told about its job lives in the *.tpl.md files
// here, plus the project instruction files a user keeps under .conductor.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"conductor/pkg/agent"
	"conductor/pkg/utils"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Data holds the fields exposed to prompt templates.
type Data struct {
	Extra      map[string]any `json:"extra,omitempty"`
	SpecDir    string         `json:"spec_dir,omitempty"`
	ProjectDir string         `json:"project_dir,omitempty"`
}

// Template names one embedded prompt file.
type Template string

const (
	// SpecDiscoveryTemplate is the system prompt for project discovery sessions.
	SpecDiscoveryTemplate Template = "spec_discovery.tpl.md"
	// SpecGathererTemplate is the system prompt for requirements gathering and
	// complexity assessment sessions.
	SpecGathererTemplate Template = "spec_gatherer.tpl.md"
	// SpecResearcherTemplate is the system prompt for research sessions.
	SpecResearcherTemplate Template = "spec_researcher.tpl.md"
	// SpecContextTemplate is the system prompt for codebase context sessions.
	SpecContextTemplate Template = "spec_context.tpl.md"
	// SpecWriterTemplate is the system prompt for spec writing sessions,
	// including the quick-spec and planning stages.
	SpecWriterTemplate Template = "spec_writer.tpl.md"
	// SpecCriticTemplate is the system prompt for self-critique sessions.
	SpecCriticTemplate Template = "spec_critic.tpl.md"
	// SpecValidationTemplate is the system prompt for validation sessions.
	SpecValidationTemplate Template = "spec_validation.tpl.md"
	// PlannerTemplate is the system prompt for implementation planning sessions.
	PlannerTemplate Template = "planner.tpl.md"
	// CoderTemplate is the system prompt for coding sessions.
	CoderTemplate Template = "coder.tpl.md"
	// QAReviewerTemplate is the system prompt for review sessions.
	QAReviewerTemplate Template = "qa_reviewer.tpl.md"
	// QAFixerTemplate is the system prompt for fix sessions.
	QAFixerTemplate Template = "qa_fixer.tpl.md"
	// PRSpecialistTemplate is the system prompt for review panel specialists.
	PRSpecialistTemplate Template = "pr_specialist.tpl.md"
	// PRSynthesizerTemplate is the system prompt for the review synthesizer.
	PRSynthesizerTemplate Template = "pr_synthesizer.tpl.md"
	// DefaultTemplate is the system prompt for roles without a dedicated one.
	DefaultTemplate Template = "default.tpl.md"
	// TaskKickoffTemplate is the mini-template for the opening task message
	// of an ad-hoc session.
	TaskKickoffTemplate Template = "task_kickoff.tpl.md"
)

// ForRole returns the system prompt template for a role. Roles without a
// dedicated template share DefaultTemplate, which names the role through
// Extra.
func ForRole(role agent.Role) Template {
	switch role {
	case agent.RoleSpecDiscovery:
		return SpecDiscoveryTemplate
	case agent.RoleSpecGatherer:
		return SpecGathererTemplate
	case agent.RoleSpecResearcher:
		return SpecResearcherTemplate
	case agent.RoleSpecContext:
		return SpecContextTemplate
	case agent.RoleSpecWriter:
		return SpecWriterTemplate
	case agent.RoleSpecCritic:
		return SpecCriticTemplate
	case agent.RoleSpecValidation:
		return SpecValidationTemplate
	case agent.RolePlanner:
		return PlannerTemplate
	case agent.RoleCoder:
		return CoderTemplate
	case agent.RoleQAReviewer:
		return QAReviewerTemplate
	case agent.RoleQAFixer:
		return QAFixerTemplate
	case agent.RolePRSpecialist:
		return PRSpecialistTemplate
	case agent.RolePRSynthesizer:
		return PRSynthesizerTemplate
	default:
		return DefaultTemplate
	}
}

// Renderer holds the parsed prompt templates.
type Renderer struct {
	templates map[Template]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{
		templates: make(map[Template]*template.Template),
	}

	templateNames := []Template{
		SpecDiscoveryTemplate,
		SpecGathererTemplate,
		SpecResearcherTemplate,
		SpecContextTemplate,
		SpecWriterTemplate,
		SpecCriticTemplate,
		SpecValidationTemplate,
		PlannerTemplate,
		CoderTemplate,
		QAReviewerTemplate,
		QAFixerTemplate,
		PRSpecialistTemplate,
		PRSynthesizerTemplate,
		DefaultTemplate,
		TaskKickoffTemplate,
	}

	for _, name := range templateNames {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
			"isMap": func(v any) bool {
				if v == nil {
					return false
				}
				switch v.(type) {
				case map[string]any:
					return true
				default:
					return false
				}
			},
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render expands the named template with the given data.
func (r *Renderer) Render(templateName Template, data *Data) (string, error) {
	tmpl, exists := r.templates[templateName]
	if !exists {
		return "", fmt.Errorf("template %s not found", templateName)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}

	return buf.String(), nil
}

// RenderSimple renders a mini-template whose payload is a single value. The
// value is available as .Extra.Data in the template.
func (r *Renderer) RenderSimple(templateName Template, data any) (string, error) {
	return r.Render(templateName, &Data{
		Extra: map[string]any{
			"Data": data,
		},
	})
}

// System renders the system prompt for a role. The role name is recorded
// under Extra["Role"] so shared templates can name the role they serve.
func (r *Renderer) System(role agent.Role, data *Data) (string, error) {
	if data == nil {
		data = &Data{}
	}
	if data.Extra == nil {
		data.Extra = make(map[string]any, 1)
	}
	data.Extra["Role"] = string(role)
	return r.Render(ForRole(role), data)
}

// SystemWithInstructions renders the role's system prompt and appends the
// project instruction files from <projectDir>/.conductor, if any.
func (r *Renderer) SystemWithInstructions(role agent.Role, data *Data, projectDir string) (string, error) {
	base, err := r.System(role, data)
	if err != nil {
		return "", err
	}

	instructions, err := utils.LoadInstructions(projectDir)
	if err != nil {
		return "", fmt.Errorf("failed to load project instructions: %w", err)
	}

	formatted := utils.FormatInstructions(instructions, instructionGroup(role))
	if formatted == "" {
		return base, nil
	}

	return base + formatted, nil
}

// Available returns the names of all loaded templates.
func (r *Renderer) Available() []Template {
	names := make([]Template, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// instructionGroup maps a role onto the instruction file that addresses it.
// Review roles share the build instructions; roles outside these groups get
// common instructions only.
func instructionGroup(role agent.Role) string {
	switch role {
	case agent.RoleSpecDiscovery, agent.RoleSpecGatherer, agent.RoleSpecResearcher,
		agent.RoleSpecContext, agent.RoleSpecWriter, agent.RoleSpecCritic,
		agent.RoleSpecValidation:
		return utils.SpecInstructions
	case agent.RolePlanner, agent.RoleCoder, agent.RoleQAReviewer, agent.RoleQAFixer,
		agent.RoleTestRunner, agent.RoleMergeResolver,
		agent.RolePRReviewer, agent.RolePRSpecialist:
		return utils.BuildInstructions
	default:
		return ""
	}
}
