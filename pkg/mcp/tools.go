package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// handleStart starts an instance on behalf of the actor.
func (s *FlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	version := req.GetInt("version", 0)
	payload := mcp.ParseStringMap(req, "payload", nil)

	s.captureSession(ctx, actor)

	inst, startErr := s.triggers.Manual(ctx, defID, version, payload, actor)
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}
	return marshalResult(map[string]any{
		"instance_id":        inst.ID,
		"definition_version": inst.DefinitionVersion,
		"status":             inst.Status,
		"current_steps":      inst.CurrentStepIDs(),
	})
}

// handleStatus returns an instance with its execution trail.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	status, statusErr := s.engine.Status(ctx, instanceID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(status)
}

// handleDecide settles a pending approval.
func (s *FlowServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	by, err := req.RequireString("by")
	if err != nil {
		return mcp.NewToolResultError("by is required"), nil
	}

	s.captureSession(ctx, by)

	d := schema.ApprovalDecision{
		InstanceID: instanceID,
		StepID:     stepID,
		Approved:   approved,
		By:         by,
		Notes:      req.GetString("notes", ""),
	}
	if decideErr := s.engine.DecideApproval(ctx, d); decideErr != nil {
		return toolError("decision rejected", decideErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": instanceID,
		"step_id":     stepID,
		"approved":    approved,
	})
}

// handleControl pauses, resumes or cancels an instance.
func (s *FlowServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}

	var op func(context.Context, string, string) error
	switch action {
	case "pause":
		op = s.engine.Pause
	case "resume":
		op = s.engine.Resume
	case "cancel":
		op = s.engine.Cancel
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if opErr := op(ctx, instanceID, actor); opErr != nil {
		return toolError(action+" failed", opErr), nil
	}
	status, statusErr := s.engine.Status(ctx, instanceID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": instanceID,
		"status":      status.Instance.Status,
	})
}

// handlePublish stores a definition as its next version.
func (s *FlowServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if actor := req.GetString("actor", ""); actor != "" && def.CreatedBy == "" {
		def.CreatedBy = actor
	}

	res, pubErr := s.defs.Publish(ctx, &def)
	if pubErr != nil {
		return toolError("publish failed", pubErr), nil
	}
	if syncErr := s.triggers.SyncSchedules(ctx); syncErr != nil {
		s.logger.WarnContext(ctx, "schedule sync after publish failed", slog.String("error", syncErr.Error()))
	}
	return marshalResult(res)
}

// handleQuery lists instances, events or definition versions.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *FlowServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit:        extractInt(filter, "limit", 50),
		Status:       schema.InstanceStatus(extractString(filter, "status")),
		DefinitionID: extractString(filter, "definition_id"),
		CreatedBy:    extractString(filter, "created_by"),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}
	insts, err := s.engine.List(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"instances": insts})
}

func (s *FlowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		InstanceID: extractString(filter, "instance_id"),
		Limit:      extractInt(filter, "limit", 100),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		evs, err := s.events.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": evs})
	}
	if ef.InstanceID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'instance_id' in filter"), nil
	}
	evs, err := s.events.GetEvents(ctx, ef.InstanceID, 0)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": evs})
}

func (s *FlowServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id := extractString(filter, "definition_id")
	if id == "" {
		return mcp.NewToolResultError("definition query requires 'definition_id' in filter"), nil
	}
	if v := extractInt(filter, "version", 0); v > 0 {
		def, err := s.defs.Get(ctx, id, v)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"definitions": []*schema.WorkflowDefinition{def}})
	}
	defs, err := s.defs.Versions(ctx, id)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	s, _ := filter[key].(string)
	return s
}

// captureSession maps the actor to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, actor string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actor, session.SessionID())
	}
}

// toolError renders a failure with its error code so callers can tell a
// lost race from a bad request.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, err.Error()))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %v", prefix, schema.ErrCodeExecution, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
