// Package fixtures builds sample workflow definitions shared by tests.
package fixtures

import "github.com/bizportal/flowd/pkg/schema"

// ApprovalTimeout is the approval window used by LeaveApproval.
const ApprovalTimeout = 48 * 60 * 60

// LeaveApproval returns the leave request flow:
//
//	submit -> checkBalance -> approval -> {approved, rejected} -> notify
func LeaveApproval() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "leaveApproval",
		Name:    "Leave approval",
		Module:  "hr",
		Active:  true,
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps: []schema.WorkflowStep{
			{
				ID:        "submit",
				Type:      schema.StepAction,
				Config:    map[string]any{"action": "leave.submit"},
				NextSteps: []string{"checkBalance"},
			},
			{
				ID:        "checkBalance",
				Type:      schema.StepCondition,
				NextSteps: []string{"approval", "rejected"},
				Conditions: []schema.WorkflowCondition{
					{Field: "balance", Operator: schema.OpGreaterThan, Value: 0, NextStep: "approval"},
				},
				Config: map[string]any{"default": "rejected"},
			},
			{
				ID:        "approval",
				Type:      schema.StepApproval,
				Timeout:   ApprovalTimeout,
				Config:    map[string]any{"autoApprove": false, "assignee": "manager", "onApprove": "approved", "onReject": "rejected"},
				NextSteps: []string{"approved", "rejected"},
			},
			{
				ID:        "approved",
				Type:      schema.StepAction,
				Config:    map[string]any{"action": "leave.book"},
				NextSteps: []string{"notify"},
			},
			{
				ID:        "rejected",
				Type:      schema.StepAction,
				Config:    map[string]any{"action": "leave.reject"},
				NextSteps: []string{"notify"},
			},
			{
				ID:     "notify",
				Type:   schema.StepNotification,
				Config: map[string]any{"template": "leave-decision", "channel": "email", "recipients": []any{"employee"}},
			},
		},
	}
}

// Linear returns a manual definition that runs the given steps in order.
// The last step is terminal.
func Linear(id string, steps ...schema.WorkflowStep) *schema.WorkflowDefinition {
	for i := range steps {
		if i < len(steps)-1 && len(steps[i].NextSteps) == 0 {
			steps[i].NextSteps = []string{steps[i+1].ID}
		}
	}
	return &schema.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Module:  "test",
		Active:  true,
		Trigger: schema.Trigger{Type: schema.TriggerManual},
		Steps:   steps,
	}
}

// Action is an action step calling name.
func Action(id, name string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepAction, Config: map[string]any{"action": name}}
}
