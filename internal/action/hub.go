package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// HubClientID is the client id of the hub service-call executor.
const HubClientID = "hub"

// ServiceCaller is the subset of the hub REST client used for actions.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service, entityID string) (bool, error)
}

// serviceCall is the decoded input of a hub action.
type serviceCall struct {
	Domain   string `mapstructure:"domain"`
	Service  string `mapstructure:"service"`
	EntityID string `mapstructure:"entity_id"`
}

// HubExecutor calls hub services.
//
// The tool name is either "call_service", with domain and service in the
// input, or "<domain>.<service>" with only entity_id in the input.
type HubExecutor struct {
	hub ServiceCaller
}

// NewHubExecutor creates an executor backed by hub.
func NewHubExecutor(hub ServiceCaller) *HubExecutor {
	return &HubExecutor{hub: hub}
}

// Execute implements Executor.
func (h *HubExecutor) Execute(ctx context.Context, toolName string, input map[string]any) (Result, error) {
	var call serviceCall
	if err := mapstructure.Decode(input, &call); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if toolName != "call_service" {
		domain, service, ok := strings.Cut(toolName, ".")
		if !ok || domain == "" || service == "" {
			return Result{}, fmt.Errorf("%w: tool %q is not domain.service", ErrInvalidInput, toolName)
		}
		call.Domain, call.Service = domain, service
	}

	if call.Domain == "" || call.Service == "" || call.EntityID == "" {
		return Result{}, fmt.Errorf("%w: domain, service and entity_id are required", ErrInvalidInput)
	}

	ok, err := h.hub.CallService(ctx, call.Domain, call.Service, call.EntityID)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: ok, Output: call.Domain + "." + call.Service + " " + call.EntityID}, nil
}

// Tools implements Lister.
func (h *HubExecutor) Tools(context.Context) ([]Tool, error) {
	return []Tool{{
		Name:        "call_service",
		Description: "Call a hub service on one entity. Input: {domain, service, entity_id}.",
	}}, nil
}
