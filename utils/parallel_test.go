package utils

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestForEachCoversAllItems(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100, 1001} {
		var mu sync.Mutex
		seen := map[int]int{}
		ForEach(context.Background(), n, func(i int) {
			mu.Lock()
			seen[i]++
			mu.Unlock()
		})
		test.That(t, len(seen), test.ShouldEqual, n)
		for _, count := range seen {
			test.That(t, count, test.ShouldEqual, 1)
		}
	}
}

func TestRunInParallelCombinesErrors(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	fail := func(ctx context.Context) error { return errors.New("boom") }

	_, err := RunInParallel(context.Background(), []SimpleFunc{ok, ok})
	test.That(t, err, test.ShouldBeNil)

	_, err = RunInParallel(context.Background(), []SimpleFunc{ok, fail, fail})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunInParallelRecoversPanic(t *testing.T) {
	boom := func(ctx context.Context) error { panic("boom") }
	_, err := RunInParallel(context.Background(), []SimpleFunc{boom})
	test.That(t, err, test.ShouldNotBeNil)
}
