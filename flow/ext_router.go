package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/jmilden/agentflow-go/flow/emit"
	"github.com/jmilden/agentflow-go/flow/provider"
)

// RouteDefinition is one selectable route of a router node.
type RouteDefinition struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type routerConfig struct {
	Model  string            `json:"model,omitempty"`
	Prompt string            `json:"prompt,omitempty"`
	Routes []RouteDefinition `json:"routes"`
}

// routePortPrefix forms the dynamic output handle for a route.
const routePortPrefix = "route-"

// routerExtension classifies its input with one provider call and routes
// execution to exactly one of its configured routes.
type routerExtension struct{}

func (routerExtension) Type() string { return TypeRouter }

func (routerExtension) Ports() []PortDefinition {
	return []PortDefinition{
		{ID: "input", Kind: PortInput, DataType: "text", Required: true},
	}
}

func (routerExtension) DynamicPorts(data map[string]any) []PortDefinition {
	var cfg routerConfig
	if DecodeNodeData(data, &cfg) != nil {
		return nil
	}
	out := make([]PortDefinition, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		out = append(out, PortDefinition{ID: routePortPrefix + r.ID, Kind: PortOutput, DataType: "text", Multiple: true})
	}
	return out
}

func (routerExtension) Validate(node *Node, wf *Workflow) error {
	var cfg routerConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return err
	}
	if len(cfg.Routes) == 0 {
		return &Error{Code: CodeValidation, Message: "router has no routes"}
	}
	seen := make(map[string]bool, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if r.ID == "" {
			return &Error{Code: CodeValidation, Message: "router route missing id"}
		}
		if seen[r.ID] {
			return &Error{Code: CodeValidation, Message: "duplicate route id: " + r.ID}
		}
		seen[r.ID] = true
	}
	return nil
}

func (routerExtension) Execute(ctx context.Context, ec *ExecContext, node *Node) (*NodeOutcome, error) {
	var cfg routerConfig
	if err := DecodeNodeData(node.Data, &cfg); err != nil {
		return nil, err
	}

	selected := cfg.Routes[0]
	// A single route needs no classifier call.
	if len(cfg.Routes) > 1 {
		model := ec.ResolveModel(cfg.Model)
		if model == "" {
			return nil, &Error{Code: CodeValidation, Message: "router has no model and no default model is set"}
		}

		resp, err := ec.Provider.Chat(ctx, model, []provider.Message{
			{Role: provider.RoleSystem, Content: buildRoutingPrompt(cfg)},
			{Role: provider.RoleUser, Content: ec.Input()},
		}, nil)
		if err != nil {
			return nil, err
		}

		route, ok := parseRouteChoice(resp.Text, cfg.Routes)
		if !ok {
			ec.Callbacks.warning(node.ID, fmt.Sprintf("router reply %q did not match a route, falling back to %q", strings.TrimSpace(resp.Text), selected.ID))
		} else {
			selected = route
		}
		ec.recordUsage(node.ID, model, resp.Usage)
	}

	ec.Callbacks.routeSelected(node.ID, selected.ID)
	ec.emitEvent(node.ID, emit.MsgRouteSelected, map[string]any{"route": selected.ID})

	return &NodeOutcome{
		Output: ec.Input(),
		Next:   ec.graph.childrenOn(node.ID, routePortPrefix+selected.ID),
	}, nil
}

// buildRoutingPrompt lists each route with its index, label, and
// description, and instructs the model to answer with a single index or id.
func buildRoutingPrompt(cfg routerConfig) string {
	var b strings.Builder
	b.WriteString("You are a routing classifier. Choose the single best route for the user's message.\n")
	if cfg.Prompt != "" {
		b.WriteString(cfg.Prompt)
		b.WriteString("\n")
	}
	b.WriteString("Routes:\n")
	for i, r := range cfg.Routes {
		fmt.Fprintf(&b, "%d. %s (id: %s)", i+1, r.Label, r.ID)
		if r.Description != "" {
			b.WriteString(" - ")
			b.WriteString(r.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("Answer with only the route number or route id, nothing else.")
	return b.String()
}

// parseRouteChoice extracts exactly one route from the classifier's reply.
// Accepts a 1-based index, a route id, or a route label; otherwise accepts
// a reply that mentions exactly one route, by its id as a whole word or by
// its label, before giving up.
func parseRouteChoice(reply string, routes []RouteDefinition) (RouteDefinition, bool) {
	text := strings.TrimSpace(strings.Trim(strings.TrimSpace(reply), `."'`))
	if text == "" {
		return RouteDefinition{}, false
	}

	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(routes) {
			return routes[n-1], true
		}
		return RouteDefinition{}, false
	}

	lower := strings.ToLower(text)
	for _, r := range routes {
		if strings.EqualFold(r.ID, text) || strings.EqualFold(r.Label, text) {
			return r, true
		}
	}
	// Lenient pass: the reply mentions exactly one route.
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	}) {
		words[w] = true
	}
	var match RouteDefinition
	matches := 0
	for _, r := range routes {
		if words[strings.ToLower(r.ID)] || (r.Label != "" && strings.Contains(lower, strings.ToLower(r.Label))) {
			match = r
			matches++
		}
	}
	if matches == 1 {
		return match, true
	}
	return RouteDefinition{}, false
}
