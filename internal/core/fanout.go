package core

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// fanOut runs fn for every node concurrently and waits for all of them. A
// failing or panicking worker never cancels its siblings. The returned
// slice holds each node's error at the node's roster index.
func fanOut(ctx context.Context, logger zerolog.Logger, nodes []*Node, fn func(ctx context.Context, i int, n *Node) error) []error {
	errs := make([]error, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Str("node", n.Name()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker panicked")
					err = fmt.Errorf("%s: panic: %v", n.Name(), r)
				}
				errs[i] = err
			}()
			return fn(ctx, i, n)
		})
	}
	// Workers report through errs; Wait only provides the barrier.
	_ = g.Wait()
	return errs
}
