// Package loomdemo registers the worked "greet" workflow from the
// engine's own worked examples, so loomd is runnable out of the box
// without an embedding application providing its own definitions.
package loomdemo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/workflow"
)

type greetInput struct {
	Name string `json:"name"`
}

// Register adds the greet workflow and activity to reg. Re-registering
// against an already-populated registry is a no-op, so callers can call
// this unconditionally at startup.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterActivity(registry.ActivityDefinition{
		Name: "greet",
		Fn:   greetActivity,
	}); err != nil {
		return err
	}

	return reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name:    "greet",
		Version: "v1",
		Steps: []registry.Step{
			{Name: "greet", Fn: greetStep},
		},
	})
}

func greetActivity(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in []string
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("greet: decode args: %w", err)
	}
	if len(in) != 1 {
		return nil, fmt.Errorf("greet: expected one arg, got %d", len(in))
	}
	return json.Marshal("Hello, " + in[0])
}

func greetStep(ctx *workflow.Context, input json.RawMessage) error {
	var in greetInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Errorf("greet: decode input: %w", err)
	}

	result, err := ctx.Activity("greet", []string{in.Name})
	if err != nil {
		return err
	}

	var greeting string
	if err := json.Unmarshal(result, &greeting); err != nil {
		return err
	}
	return ctx.StateSet("greeting", greeting)
}
