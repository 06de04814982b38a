package orchestrator

import (
	"context"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/retriever"
	"github.com/nexuscore/engine/internal/toolserver"
)

// ToolCatalog resolves the tool set a single turn's completion request
// should carry, given the cleaned query text. This is where the semantic
// Retriever's top-K selection meets the Tool-Server Manager's live
// registry — the Tool Loop and the streaming generation call both just
// want a []agent.Tool, not an opinion on how it was narrowed down.
type ToolCatalog interface {
	ToolsFor(ctx context.Context, query string) []agent.Tool
}

// RetrievingCatalog is the default ToolCatalog: it asks the Tool-Server
// Manager for every registered tool, narrows the set through the
// Retriever, and projects the surviving names back into agent.Tool values
// bound to the Manager for execution.
type RetrievingCatalog struct {
	Manager   *toolserver.Manager
	Retriever *retriever.Retriever
}

// NewRetrievingCatalog builds a ToolCatalog over a Tool-Server Manager and
// a Retriever. The Manager's ReembedNotifier should call Retriever.Reembed
// so the two stay in sync as tool-servers connect and disconnect.
func NewRetrievingCatalog(manager *toolserver.Manager, r *retriever.Retriever) *RetrievingCatalog {
	return &RetrievingCatalog{Manager: manager, Retriever: r}
}

func (c *RetrievingCatalog) ToolsFor(ctx context.Context, query string) []agent.Tool {
	views := c.Manager.Tools()
	infos := make([]retriever.ToolInfo, len(views))
	for i, v := range views {
		infos[i] = retriever.ToolInfo{Name: v.Name, Description: v.Description}
	}
	names := c.Retriever.Select(ctx, query, infos)
	return c.Manager.AsAgentTools(names)
}
