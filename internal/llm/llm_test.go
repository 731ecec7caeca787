package llm

import (
	"context"
	"testing"

	"fpai/internal/errkind"
)

func TestFakeClientReplaysScriptedResponses(t *testing.T) {
	f := &FakeClient{Responses: []Response{
		{Text: "first", StopReason: StopReasonComplete},
		{Text: "second", StopReason: StopReasonComplete},
	}}

	r1, err := f.Complete(context.Background(), Request{Prompt: "a"})
	if err != nil || r1.Text != "first" {
		t.Fatalf("Complete #1 = (%v, %v)", r1, err)
	}
	r2, err := f.Complete(context.Background(), Request{Prompt: "b"})
	if err != nil || r2.Text != "second" {
		t.Fatalf("Complete #2 = (%v, %v)", r2, err)
	}
	if f.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", f.Calls())
	}
}

func TestFakeEmbedderIsDeterministic(t *testing.T) {
	f := &FakeEmbedder{Dim: 16}
	v1, err := f.Embed(context.Background(), "forced arbitration clause")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, _ := f.Embed(context.Background(), "forced arbitration clause")
	if len(v1) != 16 {
		t.Fatalf("len(v1) = %d, want 16", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("Embed not deterministic at index %d: %v != %v", i, v1[i], v2[i])
		}
	}

	v3, _ := f.Embed(context.Background(), "unrelated clause")
	if sameSlice(v1, v3) {
		t.Error("expected different text to embed differently")
	}
}

func sameSlice(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTimeoutThenSucceedRetriesTwiceThenCompletes(t *testing.T) {
	f := TimeoutThenSucceed(3, Response{Text: "done", StopReason: StopReasonComplete})

	for i := 0; i < 2; i++ {
		_, err := f.Complete(context.Background(), Request{})
		if !errkind.Is(err, errkind.LLMTimeout) {
			t.Fatalf("attempt %d: expected LLMTimeout, got %v", i+1, err)
		}
	}

	resp, err := f.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("attempt 3: unexpected error %v", err)
	}
	if resp.Text != "done" {
		t.Errorf("attempt 3: Text = %q, want %q", resp.Text, "done")
	}
}
