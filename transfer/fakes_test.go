package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-transferutils/transfer/network"
)

type fakeTransport struct {
	mu         sync.Mutex
	sends      []network.ChunkRequest
	sendCounts map[int]int
	finalizes  []network.FinalizeRequest
	sendFn     func(ctx context.Context, req network.ChunkRequest) (network.ChunkResponse, error)
	finalizeFn func(ctx context.Context, req network.FinalizeRequest) ([]byte, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sendCounts: map[int]int{},
	}
}

func (f *fakeTransport) SendChunk(ctx context.Context, req network.ChunkRequest) (network.ChunkResponse, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	f.sendCounts[req.ChunkIndex]++
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return network.ChunkResponse{ResumeToken: fmt.Sprintf("token-%d", req.ChunkIndex)}, nil
}

func (f *fakeTransport) Finalize(ctx context.Context, req network.FinalizeRequest) ([]byte, error) {
	f.mu.Lock()
	f.finalizes = append(f.finalizes, req)
	fn := f.finalizeFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return []byte(`{"merged":true}`), nil
}

func (f *fakeTransport) sendCount(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCounts[index]
}

func (f *fakeTransport) totalSends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) finalizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finalizes)
}

func (f *fakeTransport) lastFinalize() network.FinalizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizes[len(f.finalizes)-1]
}

type fakeTracker struct{}

func (fakeTracker) logTransferUploaded(time.Duration, int64, int) {}
func (fakeTracker) logTransferFailed(string)                      {}
func (fakeTracker) wait()                                         {}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}
