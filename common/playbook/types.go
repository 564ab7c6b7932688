package playbook

// Playbook is a parsed YAML document: a workflow graph, a workbook of
// reusable tasks, and a default workload.
type Playbook struct {
	Path     string
	Version  string
	Workload map[string]interface{}
	Workflow []*Step
	Workbook []*Task
}

// Step is one node in the workflow graph
type Step struct {
	Name        string
	Type        string
	Description string
	Task        string
	Call        string
	Action      map[string]interface{}
	With        map[string]interface{}
	When        string
	Pass        interface{} // bool or template string
	Next        []NextCase
	Loop        *LoopSpec
	EndLoop     *EndLoopSpec
	Raw         map[string]interface{}
}

// NextCase is one conditional transition out of a step. Cases are
// evaluated in order; Else matches when no prior When did.
type NextCase struct {
	When string
	Then []NextTarget
	Else []NextTarget
}

// NextTarget names a destination step with optional transition parameters
type NextTarget struct {
	Step string
	With map[string]interface{}
}

// LoopSpec expands a step into one enqueued iteration per kept item
type LoopSpec struct {
	Iterator string
	In       string
	Filter   string
	Chunk    int
}

// EndLoopSpec closes a loop: Loop points back at the loop entry step,
// Result is an aggregation template rendered over the collected results.
type EndLoopSpec struct {
	Loop   string
	Result map[string]interface{}
}

// Task is one reusable action definition in the workbook
type Task struct {
	Name   string
	Type   string
	With   map[string]interface{}
	Config map[string]interface{}
}

// IsControl reports whether the step is a pure control node that completes
// without work (start/end markers and empty typeless steps)
func (s *Step) IsControl() bool {
	if s.Loop != nil || s.EndLoop != nil {
		return false
	}
	switch s.Type {
	case "start", "end":
		return true
	case "":
		return s.Task == "" && s.Call == "" && len(s.Action) == 0
	}
	return false
}

// FirstNext returns the first transition target, ignoring conditions.
// Loop entry steps use it to find their body step.
func (s *Step) FirstNext() string {
	for _, c := range s.Next {
		if len(c.Then) > 0 {
			return c.Then[0].Step
		}
		if len(c.Else) > 0 {
			return c.Else[0].Step
		}
	}
	return ""
}

// IndexByName returns a map from step name to position in the workflow
func (p *Playbook) IndexByName() map[string]int {
	idx := make(map[string]int, len(p.Workflow))
	for i, s := range p.Workflow {
		idx[s.Name] = i
	}
	return idx
}

// StepByName returns the named step, or nil
func (p *Playbook) StepByName(name string) *Step {
	for _, s := range p.Workflow {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// TaskByName returns the named workbook task, or nil
func (p *Playbook) TaskByName(name string) *Task {
	for _, t := range p.Workbook {
		if t.Name == name {
			return t
		}
	}
	return nil
}
