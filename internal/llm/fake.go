package llm

import (
	"context"

	"fpai/internal/errkind"
)

// FakeClient is a deterministic Client for tests and for chaos test
// suites exercising timeout/retry behavior against a scripted backend.
type FakeClient struct {
	Responses []Response
	Errors    []error
	calls     int
	Requests  []Request
}

// Complete returns the next scripted Response or error in order,
// repeating the last entry once the script is exhausted.
func (f *FakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	f.Requests = append(f.Requests, req)
	i := f.calls
	f.calls++

	if i < len(f.Errors) && f.Errors[i] != nil {
		return Response{}, f.Errors[i]
	}
	if len(f.Responses) == 0 {
		return Response{}, nil
	}
	if i >= len(f.Responses) {
		i = len(f.Responses) - 1
	}
	return f.Responses[i], nil
}

// Calls reports how many times Complete has been invoked.
func (f *FakeClient) Calls() int { return f.calls }

// FakeEmbedder is a deterministic Embedder for tests: it derives a vector
// from an FNV-1a hash of the text's bytes rather than calling an
// embedding model, so identical text always produces the same vector.
type FakeEmbedder struct {
	Dim int
}

// Embed returns a Dim-length vector seeded from text, never erroring.
func (f *FakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	dim := f.Dim
	if dim == 0 {
		dim = 768
	}
	out := make([]float64, dim)
	var seed uint32 = 2166136261
	for _, b := range []byte(text) {
		seed ^= uint32(b)
		seed *= 16777619
	}
	for i := range out {
		seed = seed*1664525 + 1013904223
		out[i] = float64(seed%1000) / 1000.0
	}
	return out, nil
}

// TimeoutThenSucceed returns a FakeClient that fails with LLMTimeout on
// its first n-1 calls and returns final on call n, modeling Scenario D's
// "retries twice, succeeds on attempt 3".
func TimeoutThenSucceed(n int, final Response) *FakeClient {
	f := &FakeClient{}
	for i := 0; i < n-1; i++ {
		f.Errors = append(f.Errors, errkind.Wrap(errkind.LLMTimeout, context.DeadlineExceeded))
		f.Responses = append(f.Responses, Response{})
	}
	f.Errors = append(f.Errors, nil)
	f.Responses = append(f.Responses, final)
	return f
}
