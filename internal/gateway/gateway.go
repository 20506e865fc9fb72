// Package gateway implements the Generation Gateway: it turns a user prompt
// into vetted app source by running a fixed pipeline (model hint extraction,
// sanitization, confidence scoring, complexity classification, provider
// selection, knowledge lookup, provider invocation, post-processing) in
// front of the provider registry. The pipeline shape mirrors
// roelfdiedericks-goclaw's purpose-to-model-chain routing layered on top of
// internal/provider's Registry, generalized here to the Kernel's
// app-generation contract instead of a chat-completion proxy.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"llmos/kernel/internal/config"
	"llmos/kernel/internal/kernelerr"
	"llmos/kernel/internal/provider"
	"llmos/kernel/internal/registry"
	"llmos/kernel/internal/resourcemonitor"
)

// Complexity classifies how demanding a generation request is.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Options tunes a single generate call.
type Options struct {
	Force        bool
	ProviderHint string
	ModelHint    string
}

// Result is a successful generation.
type Result struct {
	Code         string
	Provider     string
	Model        string
	Complexity   Complexity
	Capabilities []string
}

// ClarificationRequest is returned instead of a Result when the prompt's
// confidence score is too low to generate from.
type ClarificationRequest struct {
	Questions []string
	Score     float64
}

// ProcessResult is a generateProcess output: a container recipe plus app
// code.
type ProcessResult struct {
	Dockerfile   string
	Code         string
	Capabilities []string
}

// knowledgeEntry is one recorded past generation, used for similarity-based
// memory context.
type knowledgeEntry struct {
	prompt     string
	provider   string
	model      string
	complexity Complexity
	caps       []string
	at         time.Time
}

// Gateway wires the provider registry, config, and resource monitor into the
// generation pipeline.
type Gateway struct {
	cfg       *config.Config
	providers *provider.Registry
	monitor   *resourcemonitor.Monitor
	reg       *registry.Registry

	knowledge []knowledgeEntry
}

// New builds a Gateway.
func New(cfg *config.Config, providers *provider.Registry, monitor *resourcemonitor.Monitor, reg *registry.Registry) *Gateway {
	return &Gateway{cfg: cfg, providers: providers, monitor: monitor, reg: reg}
}

var modelAliases = map[string]struct {
	Provider string
	Model    string
}{
	"opus":   {"claude", "claude-opus-4-6"},
	"haiku":  {"claude", "claude/haiku"},
	"ollama": {"ollama", ""},
	"local":  {"ollama", ""},
}

var hintPattern = regexp.MustCompile(`(?i)\b(?:use|using|with|via|by)\s+(opus|haiku|ollama|local)\b|,\s*(opus|haiku|ollama|local)\s*$|\((opus|haiku|ollama|local)\)`)

// extractHint pulls a provider/model hint out of prompt and returns the
// stripped prompt plus the matched alias, if any.
func extractHint(prompt string) (stripped string, providerName string, model string) {
	loc := hintPattern.FindStringSubmatchIndex(prompt)
	if loc == nil {
		return prompt, "", ""
	}
	match := hintPattern.FindStringSubmatch(prompt)
	alias := firstNonEmpty(match[1], match[2], match[3])
	info, ok := modelAliases[strings.ToLower(alias)]
	if !ok {
		return prompt, "", ""
	}
	stripped = prompt[:loc[0]] + prompt[loc[1]:]
	return strings.TrimSpace(stripped), info.Provider, info.Model
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var zeroWidth = regexp.MustCompile(`[\x{200B}-\x{200F}\x{FEFF}]`)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous\s+instructions`),
	regexp.MustCompile(`(?i)you\s+are\s+now\b`),
	regexp.MustCompile(`(?i)^\s*(system|assistant|human)\s*:`),
	regexp.MustCompile(`(?i)\bdisregard\b`),
	regexp.MustCompile(`(?i)\boverride\b`),
	regexp.MustCompile(`(?i)\bforget\s+(everything|all|that|this)\b`),
	regexp.MustCompile("(?i)```\\s*(system|assistant)"),
	regexp.MustCompile(`(?i)</?system[^>]*>`),
}

// Sanitize strips zero-width characters and injection-pattern substrings
// from prompt, reporting which patterns fired.
func Sanitize(prompt string) (cleaned string, fired []string) {
	cleaned = zeroWidth.ReplaceAllString(prompt, "")
	for _, p := range injectionPatterns {
		if p.MatchString(cleaned) {
			fired = append(fired, p.String())
			cleaned = p.ReplaceAllString(cleaned, "")
		}
	}
	return strings.TrimSpace(cleaned), fired
}

var specificityPatterns = regexp.MustCompile(`(?i)\b(button|form|input|table|list|chart|color|layout|grid|api|fetch|data|click|submit|header|footer|sidebar)\b`)
var vaguePatterns = regexp.MustCompile(`(?i)\b(something|stuff|thing|whatever|anything|nice|cool|good)\b`)
var complexKeywords = regexp.MustCompile(`(?i)\b(database|authentication|websocket|real-time|realtime|multiplayer|payment|encryption|graph|simulation|compiler)\b`)

// Confidence computes the weighted-mean confidence score used to decide
// whether to ask a clarifying question before generating an iframe app.
func Confidence(prompt string) float64 {
	words := strings.Fields(prompt)
	wordCount := len(words)

	length := clamp01(float64(wordCount) / 40.0)

	specificityHits := len(specificityPatterns.FindAllString(prompt, -1))
	specificity := clamp01(float64(specificityHits) / 3.0)

	vagueHits := len(vaguePatterns.FindAllString(prompt, -1))
	clarity := clamp01(1.0 - float64(vagueHits)*0.3)

	capClarity := 0.5
	if strings.Contains(strings.ToLower(prompt), "app") || strings.Contains(strings.ToLower(prompt), "page") || strings.Contains(strings.ToLower(prompt), "dashboard") {
		capClarity = 1.0
	}

	return (length + specificity + clarity + capClarity) / 4.0
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// ClassifyComplexity buckets a prompt by word count and complex-keyword
// hits.
func ClassifyComplexity(prompt string) Complexity {
	words := len(strings.Fields(prompt))
	hits := len(complexKeywords.FindAllString(prompt, -1))
	switch {
	case hits >= 2 || words > 80:
		return ComplexityComplex
	case hits >= 1 || words > 40:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}

const confidenceThreshold = 0.45

// generationSystemPrompt constrains the model to SDK-safe output.
const generationSystemPrompt = `You generate a single self-contained HTML document for a sandboxed iframe.
Rules: never call eval, fetch, new Function, or access window.parent/window.top.
The first line of the document must be an HTML comment declaring the
capabilities the app needs, e.g. <!-- capabilities: ui:window -->.`

const processSystemPrompt = `You generate a containerized app in three sections separated by the exact
markers ---DOCKERFILE---, ---CODE---, and ---END---. The Dockerfile section's
first line must be a comment declaring required capabilities.`

// Generate runs the full generation pipeline for an iframe app.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (*Result, *ClarificationRequest, error) {
	stripped, hintProvider, hintModel := extractHint(prompt)
	if opts.ProviderHint != "" {
		hintProvider = opts.ProviderHint
	}
	if opts.ModelHint != "" {
		hintModel = opts.ModelHint
	}

	cleaned, _ := Sanitize(stripped)

	score := Confidence(cleaned)
	if score < confidenceThreshold && !opts.Force {
		return nil, &ClarificationRequest{
			Questions: clarifyingQuestions(cleaned),
			Score:     score,
		}, nil
	}

	complexity := ClassifyComplexity(cleaned)
	providerName := g.selectProvider(ctx, hintProvider, complexity)

	systemPrompt := generationSystemPrompt
	if ctxSection := g.knowledgeContext(cleaned); ctxSection != "" {
		systemPrompt = ctxSection + "\n\n" + systemPrompt
	}

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: systemPrompt},
		{Role: provider.RoleUser, Content: cleaned},
	}

	text, usedProvider, err := g.invokeWithFallback(ctx, providerName, messages)
	if err != nil {
		return nil, nil, err
	}

	code := postProcess(text)
	caps := extractCapabilities(code)

	g.knowledge = append(g.knowledge, knowledgeEntry{
		prompt: cleaned, provider: usedProvider, model: hintModel,
		complexity: complexity, caps: caps, at: time.Now().UTC(),
	})

	return &Result{
		Code:         code,
		Provider:     usedProvider,
		Model:        hintModel,
		Complexity:   complexity,
		Capabilities: caps,
	}, nil, nil
}

// GenerateProcess runs the three-section container-recipe pipeline.
func (g *Gateway) GenerateProcess(ctx context.Context, prompt string) (*ProcessResult, error) {
	stripped, hintProvider, _ := extractHint(prompt)
	cleaned, _ := Sanitize(stripped)
	complexity := ClassifyComplexity(cleaned)
	providerName := g.selectProvider(ctx, hintProvider, complexity)

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: processSystemPrompt},
		{Role: provider.RoleUser, Content: cleaned},
	}

	text, _, err := g.invokeWithFallback(ctx, providerName, messages)
	if err != nil {
		return nil, err
	}

	dockerfile, code, err := splitProcessSections(text)
	if err != nil {
		return nil, err
	}
	caps := extractCapabilities(dockerfile)

	return &ProcessResult{Dockerfile: dockerfile, Code: code, Capabilities: caps}, nil
}

func (g *Gateway) selectProvider(ctx context.Context, hint string, complexity Complexity) string {
	if hint != "" {
		return hint
	}
	if g.cfg.SchedulerProvider != "" && complexity != ComplexityComplex {
		return g.cfg.SchedulerProvider
	}
	if g.monitor != nil {
		if model := g.monitor.GetBestModel(complexityToTask(complexity)); model != nil {
			return model.Provider
		}
	}
	if complexity == ComplexityComplex {
		if g.providers.Available(ctx, "claude") {
			return "claude"
		}
		if g.providers.Available(ctx, "openai") {
			return "openai"
		}
	}
	return "ollama"
}

func complexityToTask(c Complexity) string {
	switch c {
	case ComplexityComplex:
		return "complex-generation"
	case ComplexityMedium:
		return "medium-generation"
	default:
		return "simple-generation"
	}
}

func (g *Gateway) invokeWithFallback(ctx context.Context, providerName string, messages []provider.Message) (string, string, error) {
	text, err := g.providers.Generate(ctx, providerName, messages, provider.GenerateOptions{MaxTokens: 8192})
	if err == nil {
		return text, providerName, nil
	}

	if fb := g.cfg.FallbackProvider; fb != "" && fb != providerName {
		if text, fbErr := g.providers.Generate(ctx, fb, messages, provider.GenerateOptions{MaxTokens: 8192}); fbErr == nil {
			return text, fb, nil
		}
	}

	if alt, ok := g.providers.AnyAvailable(ctx, providerName); ok {
		if text, altErr := alt.Generate(ctx, messages, provider.GenerateOptions{MaxTokens: 8192}); altErr == nil {
			return text, alt.Name(), nil
		}
	}

	return "", "", kernelerr.Wrap(kernelerr.ProviderFailed, fmt.Sprintf("provider %q failed and no fallback succeeded", providerName), err)
}

func clarifyingQuestions(prompt string) []string {
	questions := []string{
		"What should the app's main view display?",
		"What actions should the user be able to take?",
	}
	if !strings.Contains(strings.ToLower(prompt), "color") {
		questions = append(questions, "Do you have a preferred color scheme or style?")
	}
	if len(questions) > 3 {
		questions = questions[:3]
	}
	return questions
}

var fencePattern = regexp.MustCompile("(?s)```(?:html|javascript|js)?\\n?")

// postProcess strips markdown code fences and truncates to the first
// recognizable document start marker.
func postProcess(text string) string {
	cleaned := fencePattern.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")

	markers := []string{"<!DOCTYPE", "<html", "<!--"}
	earliest := -1
	for _, m := range markers {
		if idx := indexCaseInsensitive(cleaned, m); idx >= 0 && (earliest == -1 || idx < earliest) {
			earliest = idx
		}
	}
	if earliest > 0 {
		cleaned = cleaned[earliest:]
	}
	return strings.TrimSpace(cleaned)
}

func indexCaseInsensitive(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

var firstLineCommentPattern = regexp.MustCompile(`(?i)^\s*(?:<!--|#)\s*capabilities:\s*(.+?)\s*(?:-->)?\s*$`)

// extractCapabilities reads the declared capability list from the first
// line of text, defaulting to ui:window when absent.
func extractCapabilities(text string) []string {
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) == 0 {
		return []string{"ui:window"}
	}
	match := firstLineCommentPattern.FindStringSubmatch(lines[0])
	if match == nil {
		return []string{"ui:window"}
	}
	parts := strings.Split(match[1], ",")
	caps := make([]string, 0, len(parts))
	for _, p := range parts {
		if c := strings.TrimSpace(p); c != "" {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return []string{"ui:window"}
	}
	return caps
}

var sectionMarkers = regexp.MustCompile(`(?s)---DOCKERFILE---\s*(.*?)\s*---CODE---\s*(.*?)\s*---END---`)

func splitProcessSections(text string) (dockerfile, code string, err error) {
	match := sectionMarkers.FindStringSubmatch(text)
	if match == nil {
		return "", "", kernelerr.New(kernelerr.Validation, "malformed_process_output: missing section markers")
	}
	return strings.TrimSpace(match[1]), strings.TrimSpace(match[2]), nil
}

// knowledgeContext builds a short memory section from the prompts of
// similar published apps, found with the registry's FindSimilar. The
// gateway's own in-process knowledge history is not consulted.
func (g *Gateway) knowledgeContext(prompt string) string {
	if g.reg == nil {
		return ""
	}
	similar := g.reg.FindSimilar(prompt)
	if len(similar) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Similar prior requests:\n")
	for _, app := range similar {
		sb.WriteString("- ")
		sb.WriteString(app.Prompt)
		sb.WriteString("\n")
	}
	return sb.String()
}
