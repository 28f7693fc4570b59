package scxml

import (
	"encoding/json"
	"strings"

	"github.com/agentflare-ai/go-jsonschema"
	"github.com/agentflare-ai/go-xmldom"
)

// Action is the tagged-variant executable-content node (§3, §9 design
// note: "replace polymorphic action hierarchies via virtual dispatch with
// tagged variants visited by a single interpreter function"). The concrete
// types below are the only implementations; the executable-content engine
// (exec.go) dispatches on them with a type switch, never an Execute method
// on the interface itself.
type Action interface {
	isAction()
}

// RaiseAction enqueues an internal event (§4.3).
type RaiseAction struct {
	Event string
}

// SendAction dispatches an event, locally or cross-session (§4.3, §4.5).
type SendAction struct {
	Event      string
	EventExpr  string
	Target     string
	TargetExpr string
	Type       string
	TypeExpr   string
	Delay      string
	DelayExpr  string
	SendID     string
	IDLocation string
	Namelist   []string
	Params     []ParamElement
	Content    *ContentElement

	// Schema is an optional namelist/params payload validator: a
	// schema="{...}" attribute is a pack-supplied extension point, not a
	// base-spec attribute, so a <send> without one behaves exactly as
	// specified. Compiled once at load time.
	Schema *jsonschema.Schema
}

// CancelAction removes a scheduled send (§4.3, §4.5).
type CancelAction struct {
	SendID     string
	SendIDExpr string
}

// AssignAction writes a value to a data-model location (§4.3).
type AssignAction struct {
	Location string
	Expr     string
}

// ScriptAction executes inline script text in the session context (§4.3).
type ScriptAction struct {
	Content string
}

// LogAction evaluates an expression and forwards label+value to the host
// logger (§4.3).
type LogAction struct {
	Label string
	Expr  string
}

// IfBranch is one cond/actions pair of an If action; the final else branch,
// if present, has an empty Cond (always true).
type IfBranch struct {
	Cond    string
	HasCond bool
	Actions []Action
}

// IfAction evaluates branch conditions in order and runs the first match
// (§4.3).
type IfAction struct {
	Branches []IfBranch
}

// ForeachAction iterates a shallow copy of an array, binding Item (and
// Index, if present) before each iteration body (§4.3, Testable Property 7).
type ForeachAction struct {
	Array   string
	Item    string
	Index   string
	Actions []Action
}

func (*RaiseAction) isAction()   {}
func (*SendAction) isAction()    {}
func (*CancelAction) isAction()  {}
func (*AssignAction) isAction()  {}
func (*ScriptAction) isAction()  {}
func (*LogAction) isAction()     {}
func (*IfAction) isAction()      {}
func (*ForeachAction) isAction() {}

// parseActionBlock parses the executable-content children of el (an
// <onentry>, <onexit>, <transition>, or <finalize> element) in document
// order, recursing into <if>/<foreach> bodies.
func parseActionBlock(el xmldom.Element) ([]Action, error) {
	children := el.Children()
	if children == nil {
		return nil, nil
	}
	var out []Action
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		act, err := parseAction(child)
		if err != nil {
			return nil, err
		}
		if act != nil {
			out = append(out, act)
		}
	}
	return out, nil
}

func parseAction(el xmldom.Element) (Action, error) {
	switch localName(el) {
	case "raise":
		return &RaiseAction{Event: attr(el, "event")}, nil
	case "send":
		return parseSend(el), nil
	case "cancel":
		return &CancelAction{SendID: attr(el, "sendid"), SendIDExpr: attr(el, "sendidexpr")}, nil
	case "assign":
		return &AssignAction{Location: attr(el, "location"), Expr: assignExpr(el)}, nil
	case "script":
		return &ScriptAction{Content: string(el.TextContent())}, nil
	case "log":
		return &LogAction{Label: attr(el, "label"), Expr: attr(el, "expr")}, nil
	case "if":
		return parseIf(el)
	case "foreach":
		actions, err := parseActionBlock(el)
		if err != nil {
			return nil, err
		}
		return &ForeachAction{
			Array:   attr(el, "array"),
			Item:    attr(el, "item"),
			Index:   attr(el, "index"),
			Actions: actions,
		}, nil
	default:
		// Unrecognized element inside an action block (extension content,
		// whitespace text siblings are already excluded by Children()) is
		// silently skipped rather than treated as a parse error: §6 lists
		// the elements the engine must accept, not an exhaustive closed set.
		return nil, nil
	}
}

// assignExpr prefers the expr attribute but falls back to inline text
// content for <assign>'s alternate literal-body form.
func assignExpr(el xmldom.Element) string {
	if e := attr(el, "expr"); e != "" {
		return e
	}
	return string(el.TextContent())
}

func parseSend(el xmldom.Element) *SendAction {
	s := &SendAction{
		Event:      attr(el, "event"),
		EventExpr:  attr(el, "eventexpr"),
		Target:     attr(el, "target"),
		TargetExpr: attr(el, "targetexpr"),
		Type:       attr(el, "type"),
		TypeExpr:   attr(el, "typeexpr"),
		Delay:      attr(el, "delay"),
		DelayExpr:  attr(el, "delayexpr"),
		SendID:     attr(el, "id"),
		IDLocation: attr(el, "idlocation"),
	}
	if s.Type == "" && s.TypeExpr == "" {
		s.Type = SCXMLEventProcessorType
	}
	if nl := attr(el, "namelist"); nl != "" {
		s.Namelist = strings.Fields(nl)
	}
	if raw := attr(el, "schema"); raw != "" {
		var schema jsonschema.Schema
		if err := json.Unmarshal([]byte(raw), &schema); err == nil {
			s.Schema = &schema
		}
	}
	children := el.Children()
	if children != nil {
		for i := uint(0); i < children.Length(); i++ {
			child := children.Item(i)
			switch localName(child) {
			case "param":
				s.Params = append(s.Params, parseParam(child))
			case "content":
				s.Content = parseContent(child)
			}
		}
	}
	return s
}

func parseIf(el xmldom.Element) (*IfAction, error) {
	ifa := &IfAction{}
	branch := IfBranch{Cond: attr(el, "cond"), HasCond: true}

	children := el.Children()
	if children == nil {
		ifa.Branches = append(ifa.Branches, branch)
		return ifa, nil
	}
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		switch localName(child) {
		case "elseif":
			ifa.Branches = append(ifa.Branches, branch)
			branch = IfBranch{Cond: attr(child, "cond"), HasCond: true}
		case "else":
			ifa.Branches = append(ifa.Branches, branch)
			branch = IfBranch{HasCond: false}
		default:
			act, err := parseAction(child)
			if err != nil {
				return nil, err
			}
			if act != nil {
				branch.Actions = append(branch.Actions, act)
			}
		}
	}
	ifa.Branches = append(ifa.Branches, branch)
	return ifa, nil
}
