// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes timesnap capsule tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/timesnap/internal/apperr"
	"github.com/starford/timesnap/internal/capsule"
	"github.com/starford/timesnap/internal/capsuleservice"
	"github.com/starford/timesnap/internal/repository"
	"github.com/starford/timesnap/internal/unlock"
)

// Server wraps the MCP server with capsule tools.
type Server struct {
	mcp *server.MCPServer
	svc *capsuleservice.Service
}

// New creates a new MCP server with all capsule tools registered.
func New(svc *capsuleservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"timesnap",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_capsules",
		mcp.WithDescription("List all time capsules in creation order. Locked capsules show only title, colour, unlock date and sharing."),
	), s.listCapsules)

	s.mcp.AddTool(mcp.NewTool("get_capsule",
		mcp.WithDescription("Get one time capsule. Description and media are only returned once it has unlocked."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
	), s.getCapsule)

	s.mcp.AddTool(mcp.NewTool("create_capsule",
		mcp.WithDescription("Create a time capsule, optionally with one media file given as a base64 data URI or http(s) URL. "+
			"Read timesnap://capsule-format for the field rules and colour palette."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Non-blank title")),
		mcp.WithString("description", mcp.Description("Hidden until the capsule unlocks")),
		mcp.WithString("unlock_at", mcp.Description("RFC 3339 unlock instant; defaults to five years from now")),
		mcp.WithBoolean("include_time", mcp.Description("Whether the time of day of unlock_at is meaningful")),
		mcp.WithString("color", mcp.Description("Palette name (e.g. gold) or r,g,b in [0,1]")),
		mcp.WithString("shared_with", mcp.Description("Comma-separated e-mail addresses")),
		mcp.WithString("media", mcp.Description("data:<mime>;base64,<data> or http(s) URL")),
		mcp.WithString("media_type", mcp.Description("photo, video or message; inferred from the MIME type when omitted")),
	), s.createCapsule)

	s.mcp.AddTool(mcp.NewTool("delete_capsule",
		mcp.WithDescription("Delete a capsule and all of its media files. Deleting an unknown id succeeds."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
	), s.deleteCapsule)

	s.mcp.AddTool(mcp.NewTool("share_capsule",
		mcp.WithDescription("Share a capsule with an e-mail address."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Recipient e-mail address")),
	), s.shareCapsule)

	s.mcp.AddTool(mcp.NewTool("unshare_capsule",
		mcp.WithDescription("Stop sharing a capsule with an e-mail address."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Recipient e-mail address")),
	), s.unshareCapsule)

	s.mcp.AddTool(mcp.NewTool("remove_media",
		mcp.WithDescription("Detach one media item from a capsule and delete its file."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Capsule id")),
		mcp.WithString("media_id", mcp.Required(), mcp.Description("Media item id")),
	), s.removeMedia)

	s.mcp.AddTool(mcp.NewTool("capsule_status",
		mcp.WithDescription("Report collection size, startup load result and the last persistence error."),
	), s.capsuleStatus)

	s.mcp.AddResource(
		mcp.NewResource(FormatResourceURI, "Capsule Format",
			mcp.WithResourceDescription("Field rules, unlock semantics and colour palette for time capsules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
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

func (s *Server) listCapsules(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.ListGated(ctx, s.svc.Now()))
}

func (s *Server) getCapsule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.ReadGated(ctx, id, s.svc.Now())
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view)
}

func (s *Server) createCapsule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := capsuleservice.Input{Metadata: capsuleservice.Metadata{
		Title:       title,
		Description: req.GetString("description", ""),
		IncludeTime: req.GetBool("include_time", false),
	}}
	if raw := strings.TrimSpace(req.GetString("unlock_at", "")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultError("unlock_at must be RFC 3339, e.g. 2030-01-01T09:00:00Z"), nil
		}
		in.UnlockAt = t
	}
	if raw := strings.TrimSpace(req.GetString("color", "")); raw != "" {
		c, err := capsule.ParseColor(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		in.Color = &c
	}
	for _, e := range strings.Split(req.GetString("shared_with", ""), ",") {
		if e = strings.TrimSpace(e); e != "" {
			in.SharedWith = append(in.SharedWith, e)
		}
	}
	if src := strings.TrimSpace(req.GetString("media", "")); src != "" {
		upload, err := loadMedia(ctx, src, req.GetString("media_type", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		in.Media = append(in.Media, upload)
	}

	c, err := s.svc.Create(ctx, in)
	if err != nil && !errors.Is(err, apperr.ErrNotPersisted) {
		return toolError(err), nil
	}
	view, _ := s.svc.ReadGated(ctx, c.ID, s.svc.Now())
	return jsonResultWarn(view, err)
}

func (s *Server) deleteCapsule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := s.svc.Delete(ctx, id)
	msg := fmt.Sprintf("deleted: %s", id)
	if out == repository.NotFound {
		msg = fmt.Sprintf("no capsule with id %s", id)
	}
	if err != nil {
		msg += "\nwarning: " + err.Error()
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) shareCapsule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.shareOp(ctx, req, s.svc.Share)
}

func (s *Server) unshareCapsule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.shareOp(ctx, req, s.svc.Unshare)
}

type shareFunc func(ctx context.Context, id, email string) (unlock.View, error)

func (s *Server) shareOp(ctx context.Context, req mcp.CallToolRequest, op shareFunc) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	email, err := req.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := op(ctx, id, email)
	if err != nil && !errors.Is(err, apperr.ErrNotPersisted) {
		return toolError(err), nil
	}
	return jsonResultWarn(view, err)
}

func (s *Server) removeMedia(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mediaID, err := req.RequireString("media_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = s.svc.RemoveMedia(ctx, id, mediaID)
	if errors.Is(err, apperr.ErrNotFound) {
		return toolError(err), nil
	}
	msg := fmt.Sprintf("removed media %s from %s", mediaID, id)
	if err != nil {
		msg += "\nwarning: " + err.Error()
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) capsuleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.svc.Status(ctx))
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      FormatResourceURI,
			MIMEType: "text/markdown",
			Text:     FormatContract(),
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// jsonResultWarn appends a persistence warning to a successful result.
func jsonResultWarn(v any, warn error) (*mcp.CallToolResult, error) {
	res, err := jsonResult(v)
	if warn != nil && res != nil && !res.IsError {
		res.Content = append(res.Content, mcp.NewTextContent("warning: "+warn.Error()))
	}
	return res, err
}

func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found")
	case errors.Is(err, apperr.ErrLocked):
		return mcp.NewToolResultError("capsule is locked")
	default:
		return mcp.NewToolResultError(err.Error())
	}
}
