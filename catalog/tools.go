package catalog

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-ping-server/mcpservice"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

const (
	GetPeopleTool     = "getPeople"
	GetPersonByIDTool = "getPersonById"
)

type getPeopleArgs struct{}

// PeopleResult is the structured output of getPeople.
type PeopleResult struct {
	People []Person `json:"people" jsonschema:"description=All registered people"`
}

type getPersonArgs struct {
	ID int `json:"id" jsonschema:"required,description=Identifier of the person to fetch"`
}

// Tools returns the catalog's tool definitions.
func (c *Catalog) Tools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewToolWithOutput(GetPeopleTool,
			func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriterTyped[PeopleResult], r *mcpservice.ToolRequest[getPeopleArgs]) error {
				people := c.List()
				if err := w.AppendJSON(people); err != nil {
					return err
				}
				w.SetStructured(PeopleResult{People: people})
				return nil
			},
			mcpservice.WithToolTitle("Get people"),
			mcpservice.WithToolDescription("Get registered people"),
		),
		mcpservice.NewTool(GetPersonByIDTool,
			func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[getPersonArgs]) error {
				id := r.Args().ID
				p, ok := c.GetByID(id)
				if !ok {
					w.SetError(true)
					return w.AppendText(fmt.Sprintf("person not found: %d", id))
				}
				return w.AppendJSON(p)
			},
			mcpservice.WithToolTitle("Get person by id"),
			mcpservice.WithToolDescription("Get person by given id"),
		),
	}
}
