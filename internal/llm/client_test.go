package llm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	dim      int
	delay    time.Duration
	inFlight *int32
	maxSeen  *int32
}

func (f *fakeClient) Complete(ctx context.Context, req Request) (string, error) {
	n := atomic.AddInt32(f.inFlight, 1)
	defer atomic.AddInt32(f.inFlight, -1)
	for {
		cur := atomic.LoadInt32(f.maxSeen)
		if n <= cur || atomic.CompareAndSwapInt32(f.maxSeen, cur, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return "ok:" + req.Prompt, nil
}

func (f *fakeClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeClient) Dimension() int { return f.dim }

func TestServicesSerialisesHeavyCompletions(t *testing.T) {
	inFlight := new(int32)
	maxSeen := new(int32)
	heavy := &fakeClient{dim: 8, delay: 20 * time.Millisecond, inFlight: inFlight, maxSeen: maxSeen}
	fast := &fakeClient{dim: 8, inFlight: new(int32), maxSeen: new(int32)}
	svc := NewServices(heavy, fast)

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, _ = svc.CompleteHeavy(context.Background(), Request{Prompt: "x"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	require.Equal(t, int32(1), atomic.LoadInt32(maxSeen), "heavy completions must never overlap")
}

func TestServicesEmbedUsesFastProfile(t *testing.T) {
	heavy := &fakeClient{dim: 4, inFlight: new(int32), maxSeen: new(int32)}
	fast := &fakeClient{dim: 8, inFlight: new(int32), maxSeen: new(int32)}
	svc := NewServices(heavy, fast)

	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 8)
	require.Equal(t, 8, svc.Dimension())
}
