package validation

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/pkg/schema"
)

// ActionLookup reports whether an action name is registered.
type ActionLookup interface {
	Has(name string) bool
}

// cronParser accepts standard 5-field expressions plus descriptors (@daily).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a trigger schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

type semanticChecker struct {
	exprs   *expressions.Set
	schemas *JSONSchemaValidator
	actions ActionLookup
	result  *schema.ValidationResult
}

func (c *semanticChecker) check(def *schema.WorkflowDefinition) {
	c.checkTrigger(def.Trigger)

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		id := def.Steps[i].ID
		if stepIDs[id] {
			c.result.AddError(fmt.Sprintf("steps[%d].id", i), schema.IssueDuplicateStep,
				fmt.Sprintf("duplicate step id %q", id))
		}
		stepIDs[id] = true
	}

	for i := range def.Steps {
		c.checkStep(&def.Steps[i], fmt.Sprintf("steps[%s]", def.Steps[i].ID), stepIDs)
	}
}

func (c *semanticChecker) checkTrigger(t schema.Trigger) {
	cfg := t.Config
	switch t.Type {
	case schema.TriggerScheduled:
		spec, _ := cfg[schema.TriggerKeyCron].(string)
		if spec == "" {
			c.result.AddError("trigger.config.cron", schema.IssueMissingConfig, "scheduled trigger requires a cron expression")
		} else if _, err := ParseCron(spec); err != nil {
			c.result.AddError("trigger.config.cron", schema.IssueBadExpression, fmt.Sprintf("invalid cron expression %q: %s", spec, err))
		}
	case schema.TriggerAutomatic:
		if ev, _ := cfg[schema.TriggerKeyEvent].(string); ev == "" {
			c.result.AddError("trigger.config.event", schema.IssueMissingConfig, "automatic trigger requires an event type")
		}
	case schema.TriggerWebhook:
		if p, _ := cfg[schema.TriggerKeyPath].(string); p == "" {
			c.result.AddError("trigger.config.path", schema.IssueMissingConfig, "webhook trigger requires a hook path")
		}
		if raw, ok := cfg[schema.TriggerKeySchema]; ok && raw != nil {
			if err := c.schemas.CompileSchema(raw); err != nil {
				c.result.AddError("trigger.config.schema", schema.IssueBadExpression, err.Error())
			}
		}
	}

	if t.Type == schema.TriggerAutomatic || t.Type == schema.TriggerWebhook {
		if f, _ := cfg[schema.TriggerKeyFilter].(string); f != "" {
			c.compile("trigger.config.filter", c.exprs.Expr, f)
		}
	}
}

func (c *semanticChecker) checkStep(step *schema.WorkflowStep, path string, stepIDs map[string]bool) {
	for j, next := range step.NextSteps {
		if !stepIDs[next] {
			c.result.AddError(fmt.Sprintf("%s.nextSteps[%d]", path, j), schema.IssueUnknownNextStep,
				fmt.Sprintf("references non-existent step %q", next))
		}
	}
	for j, cond := range step.Conditions {
		if !step.HasNext(cond.NextStep) {
			c.result.AddError(fmt.Sprintf("%s.conditions[%d]", path, j), schema.IssueUndeclaredEdge,
				fmt.Sprintf("condition targets %q which is not in nextSteps", cond.NextStep))
		}
	}

	for _, key := range []string{schema.ConfigDefault, schema.ConfigOnApprove, schema.ConfigOnReject} {
		if target := step.ConfigString(key); target != "" && !step.HasNext(target) {
			c.result.AddError(path+".config."+key, schema.IssueUndeclaredEdge,
				fmt.Sprintf("%s targets %q which is not in nextSteps", key, target))
		}
	}

	switch step.Type {
	case schema.StepAction:
		name := step.ConfigString(schema.ConfigAction)
		if name == "" {
			c.result.AddError(path+".config.action", schema.IssueMissingConfig, "action step requires config.action")
		} else if c.actions != nil && !c.actions.Has(name) {
			c.result.AddWarning(path+".config.action", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q is not registered on this node", name))
		}
		c.checkMappings(step, path)
	case schema.StepIntegration:
		if step.ConfigString(schema.ConfigSystem) == "" && step.ConfigString(schema.ConfigAction) == "" {
			c.result.AddError(path+".config.system", schema.IssueMissingConfig, "integration step requires config.system or config.action")
		}
		c.checkMappings(step, path)
	case schema.StepApproval:
		if step.Timeout <= 0 {
			c.result.AddError(path+".timeout", schema.IssueMissingConfig, "approval step requires a positive timeout")
		}
		// A rejection with no onReject would take every next step.
		if len(step.NextSteps) > 1 && (step.ConfigString(schema.ConfigOnApprove) == "" || step.ConfigString(schema.ConfigOnReject) == "") {
			c.result.AddError(path+".config", schema.IssueAmbiguousRoute,
				"approval step with several next steps requires config.onApprove and config.onReject")
		}
		if expr := step.ConfigString(schema.ConfigAssigneeExpr); expr != "" {
			c.compile(path+".config.assigneeExpr", c.exprs.CEL, expr)
		}
	case schema.StepDelay:
		if d, ok := step.ConfigDuration(schema.ConfigDelay); !ok || d <= 0 {
			c.result.AddError(path+".config.delay", schema.IssueMissingConfig, "delay step requires a positive config.delay")
		}
	case schema.StepCondition:
		if len(step.Conditions) == 0 {
			c.result.AddError(path+".conditions", schema.IssueMissingConfig, "condition step requires at least one condition")
		}
	case schema.StepNotification:
		if step.ConfigString(schema.ConfigTemplate) == "" {
			c.result.AddWarning(path+".config.template", schema.IssueMissingConfig, "notification step has no template")
		}
		if _, has := step.Config[schema.ConfigDelay]; has {
			if d, ok := step.ConfigDuration(schema.ConfigDelay); !ok || d < 0 {
				c.result.AddError(path+".config.delay", schema.IssueMissingConfig, "notification delay must be a non-negative duration")
			}
		}
	}
}

func (c *semanticChecker) checkMappings(step *schema.WorkflowStep, path string) {
	for _, key := range []string{schema.ConfigInput, schema.ConfigOutput} {
		if prog := step.ConfigString(key); prog != "" {
			c.compile(path+".config."+key, c.exprs.JQ, prog)
		}
	}
}

func (c *semanticChecker) compile(path string, eng expressions.Engine, expression string) {
	if err := eng.Check(expression); err != nil {
		c.result.AddError(path, schema.IssueBadExpression, fmt.Sprintf("%s: %s", eng.Name(), err))
	}
}
