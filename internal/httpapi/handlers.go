package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/diagram"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

const maxDefinitionBytes = 1 << 20

type createInstanceRequest struct {
	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
}

type decisionRequest struct {
	Approved *bool  `json:"approved"`
	By       string `json:"by,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type actorRequest struct {
	Actor string `json:"actor,omitempty"`
}

type publishEventRequest struct {
	Type    string         `json:"type"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// publishDefinition accepts a JSON or YAML document and stores it as the
// next version.
// (POST /api/v1/definitions)
func (s *Server) publishDefinition(c echo.Context) error {
	ctx := c.Request().Context()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	def, err := definitions.Decode(body)
	if err != nil {
		return err
	}
	if def.CreatedBy == "" {
		def.CreatedBy = actor(c, "")
	}
	res, err := s.deps.Definitions.Publish(ctx, def)
	if err != nil {
		return err
	}
	if err := s.deps.Triggers.SyncSchedules(ctx); err != nil {
		s.logger.WarnContext(ctx, "schedule sync after publish failed", slog.String("error", err.Error()))
	}
	return c.JSON(http.StatusCreated, res)
}

// (GET /api/v1/definitions/:id?version=N)
func (s *Server) getDefinition(c echo.Context) error {
	def, err := s.definitionAt(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// (GET /api/v1/definitions/:id/diagram)
func (s *Server) definitionDiagram(c echo.Context) error {
	def, err := s.definitionAt(c)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, diagram.RenderMermaid(diagram.Build(def, nil, nil)))
}

// definitionAt resolves :id at ?version, latest when absent.
func (s *Server) definitionAt(c echo.Context) (*schema.WorkflowDefinition, error) {
	version := 0
	if v := c.QueryParam("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid version %q", v)
		}
		version = n
	}
	return s.deps.Definitions.Get(c.Request().Context(), c.Param("id"), version)
}

// (GET /api/v1/definitions/:id/versions)
func (s *Server) definitionVersions(c echo.Context) error {
	defs, err := s.deps.Definitions.Versions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, defs)
}

// (POST /api/v1/instances)
func (s *Server) createInstance(c echo.Context) error {
	var req createInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.DefinitionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition_id is required")
	}
	inst, err := s.deps.Triggers.Manual(c.Request().Context(), req.DefinitionID, req.Version, req.Payload, actor(c, req.CreatedBy))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inst)
}

// (GET /api/v1/instances?status=&definition_id=&created_by=&since=&limit=&offset=)
func (s *Server) listInstances(c echo.Context) error {
	filter := store.InstanceFilter{
		Status:       schema.InstanceStatus(c.QueryParam("status")),
		DefinitionID: c.QueryParam("definition_id"),
		CreatedBy:    c.QueryParam("created_by"),
	}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid since %q", v)
		}
		filter.Since = &t
	}
	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}
	insts, err := s.deps.Engine.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, insts)
}

// (GET /api/v1/instances/:id)
func (s *Server) instanceStatus(c echo.Context) error {
	st, err := s.deps.Engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// (GET /api/v1/instances/:id/diagram)
func (s *Server) instanceDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := s.deps.Engine.Status(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	inst := st.Instance
	def, err := s.deps.Definitions.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, diagram.RenderMermaid(diagram.Build(def, inst, st.Records)))
}

func (s *Server) cancelInstance(c echo.Context) error {
	return s.control(c, s.deps.Engine.Cancel)
}

func (s *Server) pauseInstance(c echo.Context) error {
	return s.control(c, s.deps.Engine.Pause)
}

func (s *Server) resumeInstance(c echo.Context) error {
	return s.control(c, s.deps.Engine.Resume)
}

// control runs an administrative transition and answers with the new status.
func (s *Server) control(c echo.Context, op func(ctx context.Context, id, actor string) error) error {
	var req actorRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := op(ctx, id, actor(c, req.Actor)); err != nil {
		return err
	}
	st, err := s.deps.Engine.Status(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st.Instance)
}

// (POST /api/v1/instances/:id/approvals/:step)
func (s *Server) decideApproval(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Approved == nil {
		return schema.NewError(schema.ErrCodeValidation, "approved is required")
	}
	d := schema.ApprovalDecision{
		InstanceID: c.Param("id"),
		StepID:     c.Param("step"),
		Approved:   *req.Approved,
		By:         actor(c, req.By),
		Notes:      req.Notes,
	}
	if d.By == "" {
		return schema.NewError(schema.ErrCodeValidation, "decider is required")
	}
	if err := s.deps.Engine.DecideApproval(c.Request().Context(), d); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, d)
}

// (POST /api/v1/webhooks/:path)
func (s *Server) webhook(c echo.Context) error {
	payload := map[string]any{}
	// Decoded by hand: echo's binder would mix path params into the map.
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook body: "+err.Error())
	}
	started, err := s.deps.Triggers.Webhook(c.Request().Context(), c.Param("path"), payload)
	if err != nil {
		return err
	}
	ids := make([]string, len(started))
	for i, inst := range started {
		ids[i] = inst.ID
	}
	return c.JSON(http.StatusAccepted, map[string]any{"instances": ids})
}

// (POST /api/v1/events)
func (s *Server) publishEvent(c echo.Context) error {
	if s.deps.Bus == nil {
		return schema.NewError(schema.ErrCodeNotFound, "event bus disabled")
	}
	var req publishEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "type is required")
	}
	ev := events.Event{
		ID:      uuid.NewString(),
		Type:    req.Type,
		Source:  req.Source,
		Payload: req.Payload,
		Time:    time.Now().UTC(),
	}
	if ev.Source == "" {
		ev.Source = actor(c, "")
	}
	if err := s.deps.Bus.Publish(c.Request().Context(), ev); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, ev)
}

// actor prefers an explicit value, then the actor header.
func actor(c echo.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.Request().Header.Get(ActorHeader)
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s %q", name, v)
	}
	return n, nil
}
