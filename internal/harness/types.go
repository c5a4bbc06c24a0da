package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
)

// CaseOK is the case of a successful step.
const CaseOK = "ok"

// TraceEvent is one invocation or completion.
type TraceEvent struct {
	Seq    int64             `json:"seq"`
	Type   string            `json:"type"`
	Action string            `json:"action"`
	Args   map[string]string `json:"args,omitempty"`
	Case   string            `json:"case,omitempty"`
	Result map[string]string `json:"result,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds invocations and completions in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failure messages; empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addInvocation(seq int64, action string, args map[string]string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Type: EventInvocation, Action: action, Args: args})
}

func (r *Result) addCompletion(seq int64, action, outputCase string, result map[string]string) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Type: EventCompletion, Action: action, Case: outputCase, Result: result})
}
