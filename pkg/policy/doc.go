// Package policy provides Open Policy Agent (OPA) admission control for
// capability requests.
//
// Policies are Rego modules whose package defines a deny set. Each member
// is either a message string or an object with message and severity
// fields. Violations at error or critical severity reject the request with
// 403; lower severities are logged as warnings.
//
// # Input
//
// Policies see the request as input:
//
//	{
//	  "capability":   "loadAdapter",
//	  "method":       "POST",
//	  "path":         "/adapters",
//	  "headers":      {"x-amzn-sagemaker-adapter-alias": "..."},
//	  "path_params":  {...},
//	  "query_params": {...},
//	  "body":         {...},
//	  "context":      {"environment": "...", "timestamp": "..."}
//	}
//
// Header names are lower-cased.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/opt/ml/policies"}); err != nil {
//	    return err
//	}
//	w, err := factory.Create(capability.LoadAdapter,
//	    wrapper.WithRequestValidator(engine.Validator(capability.LoadAdapter)))
//
// A .rego file may restrict itself to some capabilities with a comment:
//
//	# capabilities: loadAdapter, unloadAdapter
//	package custom.adapters
package policy
