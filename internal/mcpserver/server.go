// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes the notegraph engine to LLM clients via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/notegraph/internal/engine"
	"github.com/starford/notegraph/internal/models"
)

const noteModelURI = "notegraph://note-model"

// Server wraps the MCP server with notegraph tools.
type Server struct {
	mcp *server.MCPServer
	rt  *engine.Runtime
}

// New creates a new MCP server with all notegraph tools registered.
func New(rt *engine.Runtime) *Server {
	s := &Server{rt: rt}

	s.mcp = server.NewMCPServer(
		"notegraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes as JSON, ordered by creation time. Optionally filter by type or status."),
		mcp.WithString("type", mcp.Description("Task, Tool or Template")),
		mcp.WithString("status", mcp.Description("pending, active, completed or failed")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("get_note",
		mcp.WithDescription("Read a single note as JSON."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.getNote)

	s.mcp.AddTool(mcp.NewTool("add_task",
		mcp.WithDescription("Create a pending Task note. The scheduler runs it with its tool "+
			"(tool_id, or the first referenced Tool note). Read the note model first via the "+
			"get_note_model tool or the "+noteModelURI+" resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
		mcp.WithString("content", mcp.Description("Task body; passed to the tool as {\"input\": content}")),
		mcp.WithNumber("priority", mcp.Description("Higher runs first (default 0)")),
		mcp.WithString("tool_id", mcp.Description("Tool note to run the task with")),
		mcp.WithString("references", mcp.Description("Comma-separated ids of referenced notes")),
	), s.addTask)

	s.mcp.AddTool(mcp.NewTool("requeue_task",
		mcp.WithDescription("Reset a completed or failed task to pending so it runs again."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Task id")),
	), s.requeueTask)

	s.mcp.AddTool(mcp.NewTool("execute_tool",
		mcp.WithDescription("Run a tool directly and return its output as JSON."),
		mcp.WithString("tool_id", mcp.Required(), mcp.Description("Tool note id")),
		mcp.WithString("input", mcp.Description("Tool input as JSON; plain text is passed as a string")),
	), s.executeTool)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that reference the specified note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Id of the referenced note")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("get_note_model",
		mcp.WithDescription("Returns the notegraph note model. "+
			"Call this before creating tasks to ensure correct structure."),
	), s.getNoteModel)

	s.mcp.AddTool(mcp.NewTool("fetch_to_sandbox",
		mcp.WithDescription("Download a text file (txt, md, json, js) from an http(s) URL or a "+
			"base64 data URI into the sandbox directory."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data URI")),
		mcp.WithString("filename", mcp.Description("Target filename (derived from the URL when empty)")),
	), s.fetchToSandbox)

	// Resource: note model.
	s.mcp.AddResource(
		mcp.NewResource(noteModelURI, "Note Model",
			mcp.WithResourceDescription("Fields and lifecycle of notegraph notes."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteModelResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(out))
}

func optionalString(req mcp.CallToolRequest, key string) string {
	if v, err := req.RequireString(key); err == nil {
		return v
	}
	return ""
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	notes, err := s.rt.Engine().GetAllNotes(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	typ, status := optionalString(req, "type"), optionalString(req, "status")

	out := make([]*models.Note, 0, len(notes))
	for _, n := range notes {
		if typ != "" && string(n.Type) != typ {
			continue
		}
		if status != "" && string(n.Status) != status {
			continue
		}
		out = append(out, n)
	}
	return jsonResult(out), nil
}

func (s *Server) getNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.rt.Engine().GetNote(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n), nil
}

func (s *Server) addTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task := &models.Note{
		Type:       models.TypeTask,
		Title:      title,
		Content:    optionalString(req, "content"),
		ToolID:     optionalString(req, "tool_id"),
		References: splitIDs(optionalString(req, "references")),
	}
	if p, ok := req.GetArguments()["priority"].(float64); ok {
		task.Priority = p
	}

	n, err := s.rt.Engine().AddNote(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n), nil
}

func splitIDs(s string) []string {
	ids := []string{}
	for _, part := range strings.Split(s, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) requeueTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.rt.Engine().Requeue(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n), nil
}

func (s *Server) executeTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	toolID, err := req.RequireString("tool_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var input any
	if raw := optionalString(req, "input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			input = raw
		}
	}

	out, err := s.rt.Engine().ExecuteTool(ctx, toolID, input)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if text, ok := out.(string); ok {
		return mcp.NewToolResultText(text), nil
	}
	return jsonResult(out), nil
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	notes, err := s.rt.Engine().GetAllNotes(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var bl []string
	for _, n := range notes {
		if slices.Contains(n.References, id) {
			bl = append(bl, n.ID)
		}
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no notes reference %s", id)), nil
	}
	return mcp.NewToolResultText(strings.Join(bl, "\n")), nil
}

func (s *Server) getNoteModel(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteModelContract), nil
}

func (s *Server) readNoteModelResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      noteModelURI,
			MIMEType: "text/markdown",
			Text:     NoteModelContract,
		},
	}, nil
}
