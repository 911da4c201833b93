package plugin

// Grant expresses optional host facilities a provider may request access to.
type Grant string

const (
	GrantFilesystem Grant = "filesystem"
	GrantNetwork    Grant = "network"
	GrantExecution  Grant = "execution"
)

// Info contains descriptive metadata for a provider implementation. ID becomes
// the capability name the host registers, and Category/Complexity/Latency/
// Reliability feed the host's capability descriptor.
type Info struct {
	ID          string
	Name        string
	Description string
	Author      string
	Version     string
	Category    string
	// Complexity is a 1..10 score; zero lets the host pick a default.
	Complexity int
	// Latency is one of fast, medium or slow; empty lets the host pick.
	Latency string
	// Reliability is a 0..1 base score; zero lets the host pick.
	Reliability float64
	Grants      []Grant
}

// Call is the input of one capability invocation relayed to the provider.
type Call struct {
	GoalID      string         `json:"goal_id"`
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// Param reads a call parameter by key and returns its string form.
func (c Call) Param(key string) string {
	if c.Params == nil {
		return ""
	}
	if value, ok := c.Params[key].(string); ok {
		return value
	}
	return ""
}

// Outcome is what a provider reports back for one invocation.
type Outcome struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	// Confidence is the provider's 0..1 self estimate of the result quality.
	Confidence float64 `json:"confidence"`
	// Critical marks whether a failure of this call should abort the plan it
	// belongs to.
	Critical bool `json:"critical"`
}

// State represents the lifecycle position of a hosted provider.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateActive      State = "active"
	StateStopped     State = "stopped"
)
