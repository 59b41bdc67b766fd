package coalesce

import (
	"fmt"

	"github.com/randalmurphal/eventflow/pkg/eventflow/config"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// merge applies the type's merge policy to a buffered burst and
// returns the representative args. events is never empty.
func merge(policy config.Policy, events []buffered) []any {
	switch policy {
	case config.PolicySignal:
		// Only "at least one request occurred" matters.
		return nil

	case config.PolicyPerKey:
		return mergePerKey(events)

	case config.PolicyBatch:
		items := make([][]any, len(events))
		for i, e := range events {
			items[i] = e.args
		}
		return []any{event.Batch{Items: items}}

	default:
		// Latest-state-wins: earlier snapshots are superseded.
		return events[len(events)-1].args
	}
}

// mergePerKey dedupes by identity key (the first argument), keeping
// the latest update per key. Updates to distinct keys are all
// preserved: a single surviving key flushes as a plain event, multiple
// keys flush as a batch in key-first-seen order.
func mergePerKey(events []buffered) []any {
	latest := make(map[string][]any)
	order := make([]string, 0, len(events))

	for _, e := range events {
		key := keyOf(e.args)
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = e.args
	}

	if len(order) == 1 {
		return latest[order[0]]
	}

	items := make([][]any, len(order))
	for i, key := range order {
		items[i] = latest[key]
	}
	return []any{event.Batch{Items: items}}
}

// keyOf derives the identity key from an event's args.
func keyOf(args []any) string {
	if len(args) == 0 {
		return ""
	}
	if s, ok := args[0].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", args[0])
}
