package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/loom-editor/loom/internal/thread"
)

// batchSignature computes a canonical signature for a batch of tool
// calls: sorted name:arguments pairs. Identical signatures across
// consecutive iterations indicate the model is repeating an
// ineffective action.
func batchSignature(calls []thread.ToolCall) string {
	pairs := make([]string, 0, len(calls))
	for _, call := range calls {
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		pairs = append(pairs, call.Name+":"+string(args))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "|")
}

// loopDetector tracks consecutive identical tool-call batches. The
// breaker trips when a signature has already been seen threshold times
// in a row and shows up again.
type loopDetector struct {
	threshold int
	last      string
	count     int
}

func newLoopDetector(threshold int) *loopDetector {
	if threshold <= 0 {
		threshold = 2
	}
	return &loopDetector{threshold: threshold}
}

// Observe records the signature of the current batch and reports
// whether the loop breaker should trip before executing it.
func (d *loopDetector) Observe(sig string) bool {
	if sig == "" {
		d.last = ""
		d.count = 0
		return false
	}
	if sig == d.last {
		d.count++
	} else {
		d.last = sig
		d.count = 1
	}
	return d.count > d.threshold
}
