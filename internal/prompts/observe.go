package prompts

// ObserveDiagnostics wraps a formatted diagnostics report as the
// synthetic user message injected after a batch of edits, prompting the
// model to self-correct on the next iteration.
func ObserveDiagnostics(report string) string {
	return "The last edits introduced diagnostics:\n" + report
}
