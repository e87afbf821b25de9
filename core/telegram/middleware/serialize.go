package middleware

import (
	"sync"

	tele "gopkg.in/telebot.v4"
)

const serializeShards = 64

// SerializeMiddleware enforces per-actor mutual exclusion: two
// near-simultaneous updates from the same user are processed one after the
// other, so transient session state (link sessions, reply targets, pending
// prompts) can never be consumed twice. Updates from different actors run
// in parallel, modulo shard collisions.
func SerializeMiddleware() tele.MiddlewareFunc {
	var shards [serializeShards]sync.Mutex
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return next(c)
			}
			mu := &shards[uint64(sender.ID)%serializeShards]
			mu.Lock()
			defer mu.Unlock()
			return next(c)
		}
	}
}
