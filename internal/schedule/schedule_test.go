package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap"
)

func TestGroupRunsTasksUntilStopped(t *testing.T) {
	is := is.New(t)
	var runs atomic.Int32

	g := NewGroup()
	g.Go("counter", 5*time.Millisecond, zap.NewNop(), func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("failures do not stop the loop")
	})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	is.NoErr(g.Stop(ctx))
	is.True(runs.Load() >= 3)
}
