package actions

import (
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/internal/validation"
)

// RegisterBuiltins registers the built-in actions in reg.
func RegisterBuiltins(reg *Registry, exprs *expressions.Set, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig) error {
	var engine *expressions.ExprEngine
	if exprs != nil {
		engine = exprs.Expr
	}
	all := []Action{
		NewHTTPRequestAction(httpCfg),
		NewHTTPGetAction(httpCfg),
		NewHTTPPostAction(httpCfg),
		NewExprEvalAction(engine),
		dataSetAction{},
		refNewAction{},
		refSignAction{},
	}
	if validator != nil {
		all = append(all, &dataValidateAction{validator: validator})
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
