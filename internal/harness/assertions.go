package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/reconcile"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventInvocation {
				fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Action, formatFields(event.Args))
			}
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, svc *reconcile.Service) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(ctx, svc, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == a.Action && len(diffFields(a.Args, event.Args)) == 0 {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %s", a.Action, formatFields(a.Args)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks the first occurrence of each action. Other
// actions may appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = i + 1
		}
	}

	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(ctx context.Context, svc *reconcile.Service, a Assertion) error {
	fields, found, err := lookupState(ctx, svc, a.Table, a.Key)
	if err != nil {
		return err
	}

	switch {
	case a.Absent && found:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("no %s record for %q", a.Table, a.Key),
			Actual:   formatFields(fields),
		}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s record for %q", a.Table, a.Key),
			Actual:   "record not found",
		}
	}

	if mismatches := diffFields(a.Expect, fields); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s[%s] %s", a.Table, a.Key, formatFields(a.Expect)),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func lookupState(ctx context.Context, svc *reconcile.Service, table, key string) (map[string]string, bool, error) {
	switch table {
	case TableDevices:
		rec, ok, err := svc.Registry().Get(ctx, key)
		if err != nil || !ok {
			return nil, false, err
		}
		return deviceFields(rec), true, nil
	case TableAssignments:
		a, err := svc.Assignments().Lookup(ctx, key)
		if err != nil {
			return nil, false, ignoreNotAssigned(err)
		}
		return assignmentFields(a), true, nil
	case TableCatalog:
		img, err := svc.Catalog().Get(ctx, key)
		if err != nil {
			return nil, false, nil
		}
		return imageFields(img), true, nil
	default:
		return nil, false, fmt.Errorf("unknown table %q", table)
	}
}

func ignoreNotAssigned(err error) error {
	if errors.Is(err, model.ErrNotAssigned) {
		return nil
	}
	return err
}

// diffFields reports every expected field that is missing from actual or
// has a different value. Extra fields in actual are ignored.
func diffFields(expected, actual map[string]string) []string {
	var out []string
	for _, k := range sortedKeys(expected) {
		got, ok := actual[k]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("%s: expected %q, field missing", k, expected[k]))
		case got != expected[k]:
			out = append(out, fmt.Sprintf("%s: expected %q, got %q", k, expected[k], got))
		}
	}
	return out
}

func formatFields(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, m[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
