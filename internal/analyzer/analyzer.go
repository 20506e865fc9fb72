// Package analyzer implements the Kernel's deterministic static analyzer: a
// compiled table of regex rules scanned over generated source, grounded on
// the aiRule table pattern in Nox-HQ's core/analyzers/ai package (id,
// severity, pattern, description fields converted once into compiled rules
// and scanned in a fixed order). The Kernel narrows that down to two rule
// tables — app code and container build recipes — and a pass/fail verdict
// instead of a findings-aggregation pipeline.
package analyzer

import "regexp"

// Severity classifies how dangerous a rule match is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// rule is the compact table representation converted once, at package init,
// into a compiled regexp.
type rule struct {
	id          string
	severity    Severity
	pattern     string
	description string
	compiled    *regexp.Regexp
}

// Finding is one rule match against the analyzed text.
type Finding struct {
	RuleID      string   `json:"ruleId"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Match       string   `json:"match"`
}

// Result is the verdict of one Analyze call.
type Result struct {
	Passed        bool      `json:"passed"`
	CriticalCount int       `json:"criticalCount"`
	WarningCount  int       `json:"warningCount"`
	Findings      []Finding `json:"findings"`
}

func compile(defs []rule) []rule {
	out := make([]rule, len(defs))
	for i, d := range defs {
		d.compiled = regexp.MustCompile(d.pattern)
		out[i] = d
	}
	return out
}

var codeRules = compile([]rule{
	{id: "CODE-001", severity: SeverityCritical, pattern: `\beval\s*\(`, description: "eval() invocation"},
	{id: "CODE-002", severity: SeverityCritical, pattern: `new\s+Function\s*\(`, description: "dynamic Function constructor"},
	{id: "CODE-003", severity: SeverityCritical, pattern: `\bimport\s*\(`, description: "dynamic import()"},
	{id: "CODE-004", severity: SeverityCritical, pattern: `\bwindow\.(parent|top)\b`, description: "parent/top frame access"},
	{id: "CODE-005", severity: SeverityCritical, pattern: `\bdocument\.cookie\b`, description: "cookie access"},
	{id: "CODE-006", severity: SeverityCritical, pattern: `\b(XMLHttpRequest|fetch)\s*\(`, description: "network primitive use outside granted capability"},
	{id: "CODE-007", severity: SeverityCritical, pattern: `\bset(Timeout|Interval)\s*\(\s*["']`, description: "string-argument setTimeout/setInterval"},
	{id: "CODE-008", severity: SeverityWarning, pattern: `\b(atob|btoa|String\.fromCharCode)\s*\(`, description: "base64 or charcode decoding, common obfuscation primitive"},
	{id: "CODE-009", severity: SeverityCritical, pattern: `__proto__|Object\.setPrototypeOf|prototype\s*\[`, description: "prototype pollution pattern"},
	{id: "CODE-010", severity: SeverityCritical, pattern: `\b(window|globalThis|self)\s*\[\s*["']\w+["']\s*\]\s*=`, description: "global override via bracket assignment"},
	{id: "CODE-011", severity: SeverityWarning, pattern: `on(click|load|error|mouseover)\s*=\s*["']`, description: "inline event handler attribute"},
	{id: "CODE-012", severity: SeverityCritical, pattern: `\bwindow\s*\[\s*["']eval["']\s*\]`, description: "indirect eval via property lookup"},
	{id: "CODE-013", severity: SeverityCritical, pattern: `document\.write(ln)?\s*\(`, description: "document.write invocation"},
	{id: "CODE-014", severity: SeverityWarning, pattern: `\.innerHTML\s*=`, description: "innerHTML assignment"},
	{id: "CODE-015", severity: SeverityWarning, pattern: `\bBlob\s*\(|URL\.createObjectURL\s*\(`, description: "Blob URL construction"},
	{id: "CODE-016", severity: SeverityCritical, pattern: `\bSharedArrayBuffer\b`, description: "SharedArrayBuffer use outside the host bridge"},
	{id: "CODE-017", severity: SeverityCritical, pattern: `\bRTCPeerConnection\b`, description: "WebRTC peer connection"},
	{id: "CODE-018", severity: SeverityCritical, pattern: `\bimportScripts\s*\(`, description: "worker importScripts"},
	{id: "CODE-019", severity: SeverityCritical, pattern: `\blocation(\.href)?\s*=\s*["']`, description: "location assignment (navigation)"},
	{id: "CODE-020", severity: SeverityWarning, pattern: `postMessage\s*\([^,)]*,\s*["']\*["']`, description: "wildcard-origin postMessage"},
	{id: "CODE-021", severity: SeverityWarning, pattern: `\bMutationObserver\s*\(`, description: "MutationObserver instantiation"},
	{id: "CODE-022", severity: SeverityWarning, pattern: `new\s+Image\s*\(\)|navigator\.sendBeacon\s*\(`, description: "image or beacon exfiltration primitive"},
	{id: "CODE-023", severity: SeverityCritical, pattern: `\b(contentWindow|frameElement)\b`, description: "iframe contentWindow/frameElement access"},
	{id: "CODE-024", severity: SeverityWarning, pattern: `rel\s*=\s*["']dns-prefetch["']`, description: "DNS prefetch hint"},
	{id: "CODE-025", severity: SeverityCritical, pattern: `navigator\.serviceWorker\.register\s*\(`, description: "service worker registration"},
	{id: "CODE-026", severity: SeverityCritical, pattern: `<iframe[^>]*srcdoc`, description: "iframe srcdoc injection"},
	{id: "CODE-027", severity: SeverityCritical, pattern: `<svg[^>]*>[\s\S]*<script`, description: "inline script inside SVG"},
	{id: "CODE-028", severity: SeverityWarning, pattern: `@import\s+url\s*\(\s*["']?https?://`, description: "remote-origin CSS @import"},
})

var containerRules = compile([]rule{
	{id: "CONTAINER-001", severity: SeverityCritical, pattern: `--privileged\b`, description: "privileged container flag"},
	{id: "CONTAINER-002", severity: SeverityCritical, pattern: `--network(=|\s+)host\b|network_mode:\s*["']?host`, description: "host networking mode"},
	{id: "CONTAINER-003", severity: SeverityCritical, pattern: `-v\s+/(:|$)|volumes:\s*\n\s*-\s*["']?/:`, description: "root filesystem volume mount"},
	{id: "CONTAINER-004", severity: SeverityWarning, pattern: `FROM\s+\S+:latest\b`, description: "unpinned :latest base image tag"},
})

// Analyze scans text against the code rule table and returns a verdict.
// Passed is false whenever any critical finding is present; warnings never
// block.
func Analyze(text string) Result {
	return run(text, codeRules)
}

// AnalyzeContainerRecipe scans a container build recipe (Dockerfile content
// plus any compose-style run flags) against the container rule table.
func AnalyzeContainerRecipe(text string) Result {
	return run(text, containerRules)
}

func run(text string, rules []rule) Result {
	res := Result{Passed: true}
	for _, r := range rules {
		matches := r.compiled.FindAllString(text, -1)
		for _, m := range matches {
			res.Findings = append(res.Findings, Finding{
				RuleID:      r.id,
				Severity:    r.severity,
				Description: r.description,
				Match:       m,
			})
			switch r.severity {
			case SeverityCritical:
				res.CriticalCount++
				res.Passed = false
			case SeverityWarning:
				res.WarningCount++
			}
		}
	}
	return res
}
