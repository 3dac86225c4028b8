package actorutil

import (
	"github.com/asynkron/protoactor-go/actor"
)

// Stash holds messages an actor cannot handle in its current behavior.
// With a Limit, the oldest message is discarded once the stash is full.
type Stash struct {
	Limit int
	stash []stashElem
}

type stashElem struct {
	msg    any
	sender *actor.PID
}

// Stash keeps msg and reports whether an older message had to be dropped.
func (stash *Stash) Stash(ctx actor.Context, msg any) bool {
	dropped := false
	if stash.Limit > 0 && len(stash.stash) >= stash.Limit {
		stash.stash = stash.stash[1:]
		dropped = true
	}
	stash.stash = append(stash.stash, stashElem{
		msg:    msg,
		sender: ctx.Sender(),
	})
	return dropped
}

func (stash *Stash) Len() int {
	return len(stash.stash)
}

func (stash *Stash) UnstashAll(ctx actor.Context) {
	for _, elem := range stash.stash {
		ctx.RequestWithCustomSender(ctx.Self(), elem.msg, elem.sender)
	}
	stash.stash = nil
}

func (stash *Stash) UnstashOldest(ctx actor.Context) {
	if len(stash.stash) > 0 {
		first := stash.stash[0]
		ctx.RequestWithCustomSender(ctx.Self(), first.msg, first.sender)
		stash.stash = stash.stash[1:]
	}
}
