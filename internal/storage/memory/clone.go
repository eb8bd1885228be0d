package memory

import (
	"time"

	"github.com/labelforge/labeld/internal/types"
)

// Deep-copy helpers. Reads hand out copies so callers can never alias
// stored state; writes copy inbound values for the same reason.

func cloneSchema(s *types.Schema) *types.Schema {
	out := *s
	out.Fields = cloneFields(s.Fields)
	return &out
}

func cloneFields(fields []types.Field) []types.Field {
	if fields == nil {
		return nil
	}
	out := make([]types.Field, len(fields))
	copy(out, fields)
	for i := range out {
		out[i].Min = cloneFloat(fields[i].Min)
		out[i].Max = cloneFloat(fields[i].Max)
		out[i].Options = cloneStrings(fields[i].Options)
		out[i].Meta.Extra = cloneStringMap(fields[i].Meta.Extra)
	}
	return out
}

func cloneVersion(v *types.SchemaVersion) *types.SchemaVersion {
	out := *v
	out.Definition = *cloneSchema(&v.Definition)
	out.FrozenAt = cloneTime(v.FrozenAt)
	return &out
}

func cloneQueue(q *types.Queue) *types.Queue {
	out := *q
	out.Policy.Params = clonePayload(q.Policy.Params)
	return &out
}

func cloneSample(s *types.SampleRef) *types.SampleRef {
	out := *s
	out.Metadata = cloneStringMap(s.Metadata)
	return &out
}

func cloneLabeler(l *types.Labeler) *types.Labeler {
	out := *l
	if l.Expertise != nil {
		out.Expertise = make(map[string]float64, len(l.Expertise))
		for k, v := range l.Expertise {
			out.Expertise[k] = v
		}
	}
	out.BlockedQueues = cloneStrings(l.BlockedQueues)
	return &out
}

func cloneAssignment(a *types.Assignment) *types.Assignment {
	out := *a
	out.ReservedAt = cloneTime(a.ReservedAt)
	out.Deadline = cloneTime(a.Deadline)
	out.RequeueDelayUntil = cloneTime(a.RequeueDelayUntil)
	return &out
}

func cloneLabel(l *types.Label) *types.Label {
	out := *l
	out.Payload = clonePayload(l.Payload)
	out.DeletedAt = cloneTime(l.DeletedAt)
	return &out
}

func cloneAudit(e *types.AuditEntry) *types.AuditEntry {
	out := *e
	out.Metadata = cloneStringMap(e.Metadata)
	return &out
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case []string:
			out[k] = append([]string(nil), vv...)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
