package store

import "time"

// CloneEntity returns a deep copy of e.
func CloneEntity(e *Entity) *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Fields = CloneValueMap(e.Fields)
	if len(e.Relations) > 0 {
		cp.Relations = append([]Relation(nil), e.Relations...)
	}
	cp.ExpiresAt = cloneTime(e.ExpiresAt)
	cp.DeletedAt = cloneTime(e.DeletedAt)
	return &cp
}

// CloneInstance returns a deep copy of rec, history included.
func CloneInstance(rec *InstanceRecord) *InstanceRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.StateData = CloneValueMap(rec.StateData)
	if len(rec.History) > 0 {
		cp.History = make([]TransitionRecord, len(rec.History))
		for i, h := range rec.History {
			cp.History[i] = cloneRecord(h)
		}
	}
	return &cp
}

func cloneRecord(rec TransitionRecord) TransitionRecord {
	rec.SubScenarioTrace = CloneTrace(rec.SubScenarioTrace)
	return rec
}

// CloneTrace returns a deep copy of trace.
func CloneTrace(trace *SubScenarioTrace) *SubScenarioTrace {
	if trace == nil {
		return nil
	}
	cp := *trace
	if len(trace.Steps) > 0 {
		cp.Steps = make([]TraceStep, len(trace.Steps))
		for i, step := range trace.Steps {
			step.Nested = CloneTrace(step.Nested)
			cp.Steps[i] = step
		}
	}
	return &cp
}

// CloneValueMap deep copies JSON-like maps and slices.
func CloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies nested map[string]any and []any values.
func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneValueMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func timePtr(t time.Time) *time.Time {
	return &t
}
