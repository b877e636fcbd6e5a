package world

import "context"

// Post queues fn to run on the world loop goroutine. It blocks while the
// queue is full. A nil return means fn was queued, not that it ran: callers
// that need the effect must also watch Done.
func (w *World) Post(ctx context.Context, fn func()) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}
	select {
	case w.posted <- fn:
		return nil
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost queues fn without blocking and reports whether it was accepted.
func (w *World) TryPost(fn func()) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.posted <- fn:
		return true
	default:
		return false
	}
}
