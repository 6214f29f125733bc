package daemon

import (
	"context"

	"github.com/andhika/lumen/pkg/agentrun"
	"github.com/andhika/lumen/pkg/modelclient"
	"github.com/andhika/lumen/pkg/toolinvoker"
)

// toolBridge adapts the tool invoker to the engine's Invoker contract.
// The invoker reports per-tool failures inside its Result; the bridge
// never returns a transport error, so tool failures stay non-fatal.
type toolBridge struct {
	invoker *toolinvoker.Invoker
}

func (b *toolBridge) Invoke(ctx context.Context, name string, args map[string]interface{}) (agentrun.Result, error) {
	res := b.invoker.Invoke(ctx, name, args)
	return agentrun.Result{
		Success: res.Success,
		Content: res.Content,
		Error:   res.Error,
	}, nil
}

func (b *toolBridge) Catalog() []modelclient.ToolSpec {
	return b.invoker.Catalog()
}
