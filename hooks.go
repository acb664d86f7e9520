package gotrash

import (
	"context"
)

// HookFunc runs at a before or after point of a transition. Returning an error
// made with Veto aborts the transition; any other error fails it.
type HookFunc func(ctx context.Context, rec any) error

// AroundFunc wraps a transition. It must call next to let the transition happen;
// returning without calling next vetoes it.
type AroundFunc func(ctx context.Context, rec any, next func(ctx context.Context) error) error

// BeforeDestroyer is implemented by models that run logic before destroy.
type BeforeDestroyer interface {
	BeforeDestroy(ctx context.Context) error
}

// AfterDestroyer is implemented by models that run logic after destroy.
type AfterDestroyer interface {
	AfterDestroy(ctx context.Context) error
}

// BeforeRestorer is implemented by models that run logic before restore.
type BeforeRestorer interface {
	BeforeRestore(ctx context.Context) error
}

// AfterRestorer is implemented by models that run logic after restore.
type AfterRestorer interface {
	AfterRestore(ctx context.Context) error
}

// chain is the ordered hook pipeline of one lifecycle point.
type chain struct {
	before []HookFunc
	around []AroundFunc
	after  []HookFunc
}

// run executes befores, then arounds nested with the first registered outermost,
// then action, then afters. The first error stops the pipeline.
func (c chain) run(ctx context.Context, rec any, action func(ctx context.Context) error) error {
	for _, fn := range c.before {
		if err := fn(ctx, rec); err != nil {
			return err
		}
	}

	call := action
	for i := len(c.around) - 1; i >= 0; i-- {
		fn, next := c.around[i], call
		call = func(ctx context.Context) error {
			continued := false
			err := fn(ctx, rec, func(ctx context.Context) error {
				continued = true
				return next(ctx)
			})
			if err == nil && !continued {
				return Veto("around hook did not continue")
			}
			return err
		}
	}
	if err := call(ctx); err != nil {
		return err
	}

	for _, fn := range c.after {
		if err := fn(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

type hooks struct {
	destroy chain
	restore chain
}

func modelBeforeDestroy(ctx context.Context, rec any) error {
	return rec.(BeforeDestroyer).BeforeDestroy(ctx)
}

func modelAfterDestroy(ctx context.Context, rec any) error {
	return rec.(AfterDestroyer).AfterDestroy(ctx)
}

func modelBeforeRestore(ctx context.Context, rec any) error {
	return rec.(BeforeRestorer).BeforeRestore(ctx)
}

func modelAfterRestore(ctx context.Context, rec any) error {
	return rec.(AfterRestorer).AfterRestore(ctx)
}
