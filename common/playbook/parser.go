package playbook

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Parse loads a playbook from YAML. Step and task definitions keep their
// raw config maps for materialization and inline action resolution.
func Parse(content []byte) (*Playbook, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse playbook yaml: %w", err)
	}

	pb := &Playbook{
		Path:     asString(doc["path"]),
		Version:  asString(doc["version"]),
		Workload: asMap(doc["workload"]),
	}
	if pb.Version == "" {
		pb.Version = "latest"
	}
	if pb.Workload == nil {
		pb.Workload = map[string]interface{}{}
	}

	steps, ok := doc["workflow"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("playbook has no workflow list")
	}
	for i, raw := range steps {
		stepMap := asMap(raw)
		if stepMap == nil {
			return nil, fmt.Errorf("workflow step %d is not a mapping", i)
		}
		step, err := parseStep(stepMap)
		if err != nil {
			return nil, fmt.Errorf("workflow step %d: %w", i, err)
		}
		pb.Workflow = append(pb.Workflow, step)
	}

	for key := range map[string]struct{}{"workbook": {}, "tasks": {}} {
		tasks, ok := doc[key].([]interface{})
		if !ok {
			continue
		}
		for i, raw := range tasks {
			taskMap := asMap(raw)
			if taskMap == nil {
				return nil, fmt.Errorf("%s entry %d is not a mapping", key, i)
			}
			pb.Workbook = append(pb.Workbook, parseTask(taskMap))
		}
	}

	if err := validate(pb); err != nil {
		return nil, err
	}

	return pb, nil
}

func parseStep(m map[string]interface{}) (*Step, error) {
	step := &Step{
		Name:        asString(m["step"]),
		Type:        asString(m["type"]),
		Description: asString(m["description"]),
		Task:        asString(m["task"]),
		Call:        asString(m["call"]),
		Action:      asMap(m["action"]),
		With:        asMap(m["with"]),
		When:        asString(m["when"]),
		Pass:        m["pass"],
		Raw:         m,
	}
	if step.Name == "" {
		step.Name = asString(m["name"])
	}
	if step.Name == "" {
		return nil, fmt.Errorf("step has no name")
	}

	if rawNext, ok := m["next"]; ok {
		next, err := parseNext(rawNext)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name, err)
		}
		step.Next = next
	}

	if rawLoop := asMap(m["loop"]); rawLoop != nil {
		step.Loop = &LoopSpec{
			Iterator: asString(rawLoop["iterator"]),
			In:       asString(rawLoop["in"]),
			Filter:   asString(rawLoop["filter"]),
			Chunk:    asInt(rawLoop["chunk"]),
		}
		if step.Loop.Iterator == "" || step.Loop.In == "" {
			return nil, fmt.Errorf("step %s: loop requires iterator and in", step.Name)
		}
	}

	if rawEnd := asMap(m["end_loop"]); rawEnd != nil {
		step.EndLoop = &EndLoopSpec{
			Loop:   asString(rawEnd["loop"]),
			Result: asMap(rawEnd["result"]),
		}
		if step.EndLoop.Loop == "" {
			return nil, fmt.Errorf("step %s: end_loop requires a loop pointer", step.Name)
		}
	}

	return step, nil
}

// parseNext accepts the list form [{when,then},{else}] plus the shorthand
// of a bare step name or a plain list of step names.
func parseNext(raw interface{}) ([]NextCase, error) {
	switch v := raw.(type) {
	case string:
		return []NextCase{{Then: []NextTarget{{Step: v}}}}, nil
	case []interface{}:
		var cases []NextCase
		for _, entry := range v {
			switch e := entry.(type) {
			case string:
				cases = append(cases, NextCase{Then: []NextTarget{{Step: e}}})
			case map[string]interface{}:
				c := NextCase{When: asString(e["when"])}
				then, err := parseTargets(e["then"])
				if err != nil {
					return nil, err
				}
				c.Then = then
				els, err := parseTargets(e["else"])
				if err != nil {
					return nil, err
				}
				c.Else = els
				// bare {step: x, with: {...}} entries are unconditional
				if len(c.Then) == 0 && len(c.Else) == 0 {
					if s := asString(e["step"]); s != "" {
						c.Then = []NextTarget{{Step: s, With: asMap(e["with"])}}
					}
				}
				if len(c.Then) == 0 && len(c.Else) == 0 {
					return nil, fmt.Errorf("next case has neither then nor else")
				}
				cases = append(cases, c)
			default:
				return nil, fmt.Errorf("unsupported next entry type %T", entry)
			}
		}
		return cases, nil
	default:
		return nil, fmt.Errorf("unsupported next type %T", raw)
	}
}

func parseTargets(raw interface{}) ([]NextTarget, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("then/else must be a list, got %T", raw)
	}
	var targets []NextTarget
	for _, entry := range list {
		switch e := entry.(type) {
		case string:
			targets = append(targets, NextTarget{Step: e})
		case map[string]interface{}:
			step := asString(e["step"])
			if step == "" {
				step = asString(e["name"])
			}
			if step == "" {
				return nil, fmt.Errorf("transition target has no step")
			}
			targets = append(targets, NextTarget{Step: step, With: asMap(e["with"])})
		default:
			return nil, fmt.Errorf("unsupported transition target type %T", entry)
		}
	}
	return targets, nil
}

func parseTask(m map[string]interface{}) *Task {
	task := &Task{
		Name:   asString(m["name"]),
		Type:   asString(m["type"]),
		With:   asMap(m["with"]),
		Config: m,
	}
	if task.Name == "" {
		task.Name = asString(m["task"])
	}
	return task
}

func validate(pb *Playbook) error {
	seen := make(map[string]struct{}, len(pb.Workflow))
	for _, s := range pb.Workflow {
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	for _, s := range pb.Workflow {
		for _, c := range s.Next {
			for _, t := range append(append([]NextTarget{}, c.Then...), c.Else...) {
				if _, ok := seen[t.Step]; !ok {
					return fmt.Errorf("step %q transitions to unknown step %q", s.Name, t.Step)
				}
			}
		}
		if s.EndLoop != nil {
			if _, ok := seen[s.EndLoop.Loop]; !ok {
				return fmt.Errorf("end_loop %q points at unknown step %q", s.Name, s.EndLoop.Loop)
			}
		}
		if s.Task != "" && pb.TaskByName(s.Task) == nil {
			return fmt.Errorf("step %q references unknown workbook task %q", s.Name, s.Task)
		}
	}
	return nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return 0
}
