package drift

import (
	"context"
	"testing"

	"github.com/tonystef/grov/internal/llmhelper"
	"github.com/tonystef/grov/internal/store"
)

// An unavailable helper always scores 10, which exercises the realign band;
// the other bands are tested through interpretation directly.

func TestCheckRealignsWithUnavailableHelper(t *testing.T) {
	c := NewChecker(llmhelper.New(""))
	sess := &store.Session{ID: "s1", Goal: "g", Mode: store.ModeDrifted}

	out := c.Check(context.Background(), sess, nil, "msg")
	if out.Mode != store.ModeNormal || !out.Realign {
		t.Errorf("outcome = %+v, want realign to normal", out)
	}
	if out.SkipSteps || out.SaveCorrection != "" {
		t.Errorf("aligned outcome must not gate steps: %+v", out)
	}
	if _, ok := c.Last("s1"); !ok {
		t.Error("result not cached")
	}
	c.Forget("s1")
	if _, ok := c.Last("s1"); ok {
		t.Error("result survived Forget")
	}
}

func TestBandInterpretation(t *testing.T) {
	tests := []struct {
		name        string
		score       int
		escalation  int
		wantMode    string
		wantSkip    bool
		wantCorrect bool
		wantForced  bool
	}{
		{"aligned", 9, 0, store.ModeNormal, false, false, false},
		{"soft drift saves correction", 6, 0, store.ModeNormal, false, true, false},
		{"hard drift", 3, 0, store.ModeDrifted, true, true, false},
		{"hard drift under escalation forces", 2, 2, store.ModeForced, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := interpret(llmhelper.DriftResult{
				Score:      tt.score,
				Diagnostic: "diag",
				Recovery:   []string{"step one"},
			}, &store.Session{ID: "s", Mode: store.ModeNormal, Escalation: tt.escalation})

			if out.Mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", out.Mode, tt.wantMode)
			}
			if out.SkipSteps != tt.wantSkip {
				t.Errorf("skip = %v, want %v", out.SkipSteps, tt.wantSkip)
			}
			if (out.SaveCorrection != "") != tt.wantCorrect {
				t.Errorf("correction = %q", out.SaveCorrection)
			}
			if (out.ForceRecovery != "") != tt.wantForced {
				t.Errorf("forced = %q", out.ForceRecovery)
			}
		})
	}
}

func TestCheckAlignmentWithoutCachedResult(t *testing.T) {
	c := NewChecker(llmhelper.New(""))
	res := c.CheckAlignment(context.Background(), "missing", &store.Step{Kind: store.ActionEdit})
	if !res.Aligned {
		t.Error("no cached drift result must count as aligned")
	}
}

func TestRenderStep(t *testing.T) {
	st := &store.Step{
		Kind:      store.ActionRunCommand,
		Command:   "go test ./...",
		Reasoning: "verify fix",
	}
	got := RenderStep(st)
	want := "run_command `go test ./...`: verify fix"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
