package types

import (
	"testing"
	"time"
)

func TestAssignmentStatusTransitions(t *testing.T) {
	tests := []struct {
		from    AssignmentStatus
		to      AssignmentStatus
		allowed bool
	}{
		{AssignmentPending, AssignmentReserved, true},
		{AssignmentReserved, AssignmentCompleted, true},
		{AssignmentReserved, AssignmentTimedOut, true},
		{AssignmentReserved, AssignmentSkipped, true},
		{AssignmentTimedOut, AssignmentRequeued, true},
		{AssignmentRequeued, AssignmentReserved, true},
		{AssignmentRequeued, AssignmentPending, false},

		// Illegal transitions
		{AssignmentPending, AssignmentCompleted, false},
		{AssignmentPending, AssignmentSkipped, false},
		{AssignmentReserved, AssignmentPending, false},
		{AssignmentCompleted, AssignmentReserved, false},
		{AssignmentSkipped, AssignmentPending, false},
		{AssignmentTimedOut, AssignmentReserved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestAssignmentStatusTerminal(t *testing.T) {
	if !AssignmentCompleted.Terminal() {
		t.Error("completed should be terminal")
	}
	if !AssignmentSkipped.Terminal() {
		t.Error("skipped should be terminal")
	}
	for _, s := range []AssignmentStatus{AssignmentPending, AssignmentReserved, AssignmentTimedOut, AssignmentRequeued} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSchemaVersionMutable(t *testing.T) {
	v := &SchemaVersion{Version: 1}
	if !v.Mutable() {
		t.Error("fresh version should be mutable")
	}

	now := time.Now()
	v.FrozenAt = &now
	if v.Mutable() {
		t.Error("frozen version should not be mutable")
	}

	v.FrozenAt = nil
	v.LabelCount = 1
	if v.Mutable() {
		t.Error("version with labels should not be mutable")
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{
			name: "valid",
			schema: Schema{Name: "sentiment", Fields: []Field{
				{Name: "sentiment", Type: FieldSelect, Options: []string{"positive", "negative"}},
			}},
		},
		{
			name:    "missing name",
			schema:  Schema{Fields: []Field{{Name: "a", Type: FieldText}}},
			wantErr: true,
		},
		{
			name:    "no fields",
			schema:  Schema{Name: "empty"},
			wantErr: true,
		},
		{
			name: "duplicate field",
			schema: Schema{Name: "dup", Fields: []Field{
				{Name: "a", Type: FieldText},
				{Name: "a", Type: FieldBoolean},
			}},
			wantErr: true,
		},
		{
			name: "select without options",
			schema: Schema{Name: "sel", Fields: []Field{
				{Name: "a", Type: FieldSelect},
			}},
			wantErr: true,
		},
		{
			name: "invalid type",
			schema: Schema{Name: "bad", Fields: []Field{
				{Name: "a", Type: FieldType("blob")},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSampleRefDifficulty(t *testing.T) {
	tests := []struct {
		difficulty string
		want       float64
	}{
		{"easy", 0.3},
		{"medium", 0.5},
		{"hard", 0.8},
		{"", 0.5},
		{"0.7", 0.7},
		{"garbage", 0.5},
	}

	for _, tt := range tests {
		s := &SampleRef{Metadata: map[string]string{"difficulty": tt.difficulty}}
		if got := s.Difficulty(); got != tt.want {
			t.Errorf("Difficulty(%q) = %v, want %v", tt.difficulty, got, tt.want)
		}
	}
}

func TestAssignmentExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	a := &Assignment{Status: AssignmentReserved, Deadline: &past}
	if !a.Expired(now) {
		t.Error("past deadline should be expired")
	}

	a.Deadline = &future
	if a.Expired(now) {
		t.Error("future deadline should not be expired")
	}

	a.Status = AssignmentPending
	a.Deadline = &past
	if a.Expired(now) {
		t.Error("pending assignment is never expired")
	}
}

func TestLabelerHelpers(t *testing.T) {
	l := &Labeler{
		Expertise:     map[string]float64{"default": 0.4, "medical": 0.9},
		BlockedQueues: []string{"q2"},
	}

	if got := l.ExpertiseFor("medical"); got != 0.9 {
		t.Errorf("ExpertiseFor(medical) = %v, want 0.9", got)
	}
	if got := l.ExpertiseFor("legal"); got != 0.4 {
		t.Errorf("ExpertiseFor(legal) = %v, want default 0.4", got)
	}
	if !l.BlockedFrom("q2") {
		t.Error("expected q2 to be blocked")
	}
	if l.BlockedFrom("q1") {
		t.Error("q1 should not be blocked")
	}
}
