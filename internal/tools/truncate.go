package tools

import "fmt"

// TruncateOutput enforces the result character budget using the tool's
// declared strategy. Head-only truncation keeps the front of the
// output; head+tail keeps both ends, since command output tends to put
// the failure at the bottom.
func TruncateOutput(s string, mode TruncateMode, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	omitted := len(s) - maxChars

	switch mode {
	case TruncateHeadTail:
		head := maxChars * 2 / 3
		tail := maxChars - head
		return s[:head] +
			fmt.Sprintf("\n... [%d characters omitted] ...\n", omitted) +
			s[len(s)-tail:]
	default:
		return s[:maxChars] + fmt.Sprintf("\n... [%d characters omitted]", omitted)
	}
}
