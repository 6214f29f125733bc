package toolinvoker

import (
	"sort"

	"github.com/andhika/lumen/pkg/modelclient"
)

// Catalog returns the registered tools as model-facing specs, sorted by
// name so the prompt context is stable across calls.
func (inv *Invoker) Catalog() []modelclient.ToolSpec {
	defs := inv.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	specs := make([]modelclient.ToolSpec, 0, len(defs))
	for i := range defs {
		specs = append(specs, modelclient.ToolSpec{
			Name:        defs[i].Name,
			Description: defs[i].Description,
			InputSchema: defs[i].InputSchema(),
		})
	}
	return specs
}
