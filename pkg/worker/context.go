package worker

import (
	"context"

	"github.com/ChuLiYu/actorq/pkg/types"
)

type currentMessageKey struct{}

func withMessage(ctx context.Context, msg *types.Message) context.Context {
	return context.WithValue(ctx, currentMessageKey{}, msg)
}

// CurrentMessage returns the message being processed by the execution that
// owns ctx. It reports false anywhere outside an actor invocation.
func CurrentMessage(ctx context.Context) (*types.Message, bool) {
	if ctx == nil {
		return nil, false
	}
	msg, ok := ctx.Value(currentMessageKey{}).(*types.Message)
	return msg, ok && msg != nil
}
