package extraction

import (
	"context"
	"sync"
)

type fakeLLM struct {
	mu       sync.Mutex
	text     string
	err      error
	block    bool
	requests []Request
}

func (f *fakeLLM) Complete(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if f.err != nil {
		return Response{}, f.err
	}
	return Response{Text: f.text}, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
