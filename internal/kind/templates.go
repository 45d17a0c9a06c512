package kind

// Template is a named set of kind definitions used to seed a project.
type Template struct {
	Name        string
	Description string
	Kinds       []Definition
}

// TemplateIntent seeds truth-driven governance kinds for system identity.
var TemplateIntent = Template{
	Name:        "intent",
	Description: "Truth-driven governance for system identity",
	Kinds: []Definition{
		{Slug: "intent", Description: "Declarative 'must' statement: one user-observable outcome or rule. No implementation. Ex: 'Orders must not ship until payment confirmed'"},
		{Slug: "contract", Description: "External promise: one endpoint, event, or interface. Ex: 'POST /orders returns 201 with order_id'"},
		{Slug: "algorithm", Description: "Computation rule: one formula or threshold. Ex: 'discount = 0.1 when qty > 10'"},
		{Slug: "evaluation", Description: "Executable test: one invariant, scenario, or regression. Ex: 'Account balance >= 0'"},
		{Slug: "pace", Description: "Change governance: one concern as fast/medium/slow. Ex: 'auth model: slow'"},
		{Slug: "monitor", Description: "Operational observable: one metric or SLO. Ex: 'p99_latency < 200ms'"},
		{Slug: "glossary", Description: "Domain term: one concept with precise meaning. Ex: 'ICP: B2B SaaS, 50-500 employees, Series A+'"},
		{Slug: "integration", Description: "External binding: one provider, API, or SLA term. Ex: 'Payment provider: Stripe'"},
		{Slug: "reporting", Description: "Reportable requirement: one business or compliance query. Ex: 'Revenue by segment must be queryable'"},
		{Slug: "compliance", Description: "Regulatory or legal obligation: one requirement from GDPR, HIPAA, PCI-DSS, SOC2, etc. Ex: 'PII must be deletable within 30 days of request'"},
		{Slug: "constraint", Description: "Technical limit or boundary: one capacity, performance, or architectural constraint. Ex: 'Max upload size: 100MB'"},
	},
}

// TemplateAgentic seeds safety and governance kinds for AI agent systems.
var TemplateAgentic = Template{
	Name:        "agentic",
	Description: "Safety and governance for AI agents and LLM systems",
	Kinds: []Definition{
		{Slug: "behavior", Description: "Model capability, style, or grounding rule. Ex: 'Summarize up to 100k tokens' or 'Must cite source documents'"},
		{Slug: "boundary", Description: "Safety limit or content policy. Ex: 'Reject injection patterns'"},
		{Slug: "threat", Description: "Attack vector with mitigation. Ex: 'LLM01: Prompt injection via role hijacking - validate system prompt immutability'"},
		{Slug: "eval", Description: "Verification benchmark or criteria. Ex: 'Safety score >= 95% on HarmBench'"},
		{Slug: "governance", Description: "Oversight, transparency, audit, or provenance. Ex: 'Human review for appeals'"},
	},
}

// Templates lists all built-in templates.
var Templates = []Template{TemplateIntent, TemplateAgentic}

// TemplateByName returns a built-in template, or nil for unknown names.
func TemplateByName(name string) *Template {
	for i := range Templates {
		if Templates[i].Name == name {
			return &Templates[i]
		}
	}
	return nil
}
