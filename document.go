package scxml

import (
	"fmt"
	"io"
	"strings"

	"github.com/agentflare-ai/go-xmldom"
)

// Document is the immutable, navigable representation of a parsed SCXML
// document (§4.1). States live in an arena indexed by StateID rather than a
// pointer graph with parent back-edges (design note §9): Parent/Children/
// Initial/Transitions.Targets are all StateIDs, resolved through the
// Document's maps, so the tree has no owning references and cannot cycle.
//
// A Document is built once by Load and never mutated afterward; it may be
// shared by any number of concurrently running sessions of that document.
type Document struct {
	states map[StateID]*State
	order  []StateID // document order; State.Doc increases along it but also counts transitions, so it is not the index

	// ancestors[id] is id's proper-ancestor chain, nearest first, ending at
	// (but not including) a synthetic root.
	ancestors map[StateID][]StateID

	roots []StateID // top-level children of <scxml>, document order

	Name        string
	DataModel   []*DataElement
	Binding     BindingMode
	TopScript   string
	TopInitial  []StateID // <scxml initial="...">, falls back to first root
}

// GetState looks up a state by id.
func (d *Document) GetState(id StateID) (*State, bool) {
	s, ok := d.states[id]
	return s, ok
}

// MustGetState panics if id is absent; used internally once load-time
// reference validation has already guaranteed every target id exists.
func (d *Document) MustGetState(id StateID) *State {
	s, ok := d.states[id]
	if !ok {
		panic(fmt.Sprintf("scxml: unknown state id %q", id))
	}
	return s
}

// GetTransitions returns a state's outgoing transitions in document order.
func (d *Document) GetTransitions(id StateID) []*Transition {
	s, ok := d.states[id]
	if !ok {
		return nil
	}
	return s.Transitions
}

// DocumentOrder returns a state's stable position in document order.
func (d *Document) DocumentOrder(id StateID) int {
	if s, ok := d.states[id]; ok {
		return s.Doc
	}
	return -1
}

// AllStates returns every state in document order.
func (d *Document) AllStates() []*State {
	out := make([]*State, len(d.order))
	for i, id := range d.order {
		out[i] = d.states[id]
	}
	return out
}

// Roots returns the top-level children of <scxml>, document order.
func (d *Document) Roots() []StateID { return d.roots }

// AncestorChain returns id's proper ancestors, nearest first.
func (d *Document) AncestorChain(id StateID) []StateID {
	return d.ancestors[id]
}

// IsDescendant reports whether a is a proper descendant of b.
func (d *Document) IsDescendant(a, b StateID) bool {
	for _, anc := range d.ancestors[a] {
		if anc == b {
			return true
		}
	}
	return false
}

// IsOrIsDescendant reports whether a equals b or is a proper descendant of b.
func (d *Document) IsOrIsDescendant(a, b StateID) bool {
	return a == b || d.IsDescendant(a, b)
}

// LCCA computes the least common compound ancestor of a set of states: the
// nearest compound or parallel state that is an ancestor of, or equal to,
// every member; a member that is itself compound/parallel counts as its own
// candidate (§4.4, §9 Glossary). Returns false if the set is empty.
func (d *Document) LCCA(ids []StateID) (StateID, bool) {
	if len(ids) == 0 {
		return "", false
	}
	// Candidate chains: for each id, itself (if compound/parallel) prepended
	// to its ancestor chain, filtered to compound/parallel ancestors only.
	chain := func(id StateID) []StateID {
		var out []StateID
		if s, ok := d.states[id]; ok && (s.IsCompound() || s.IsParallel()) {
			out = append(out, id)
		}
		for _, anc := range d.ancestors[id] {
			if s, ok := d.states[anc]; ok && (s.IsCompound() || s.IsParallel()) {
				out = append(out, anc)
			}
		}
		return out
	}
	first := chain(ids[0])
	for _, cand := range first {
		ok := true
		for _, other := range ids[1:] {
			if !containsState(chain(other), cand) {
				ok = false
				break
			}
		}
		if ok {
			return cand, true
		}
	}
	return "", false
}

func containsState(haystack []StateID, needle StateID) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Load parses an SCXML document from r into an immutable Document. Parse
// failures are fatal (§4.1, §7) and are returned as *ExecutionError.
func Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ExecutionError{Message: fmt.Sprintf("reading document: %v", err)}
	}
	return LoadBytes(data)
}

// LoadBytes parses an SCXML document already held in memory.
func LoadBytes(data []byte) (*Document, error) {
	decoder := xmldom.NewDecoderFromBytes(data)
	dom, err := decoder.Decode()
	if err != nil {
		return nil, &ExecutionError{Message: fmt.Sprintf("parsing XML: %v", err)}
	}
	root := dom.DocumentElement()
	if root == nil {
		return nil, &ExecutionError{Message: "document has no root element"}
	}
	if localName(root) != "scxml" {
		return nil, &ExecutionError{Message: fmt.Sprintf("root element is <%s>, expected <scxml>", root.TagName()), Element: root}
	}
	return compile(root)
}

type builder struct {
	doc     *Document
	counter int
}

func compile(root xmldom.Element) (*Document, error) {
	b := &builder{
		doc: &Document{
			states:    make(map[StateID]*State),
			ancestors: make(map[StateID][]StateID),
			Binding:   BindingEarly,
		},
	}
	b.doc.Name = attr(root, "name")
	if bindingAttr := attr(root, "binding"); bindingAttr == string(BindingLate) {
		b.doc.Binding = BindingLate
	}

	children := root.Children()
	var n uint
	if children != nil {
		n = children.Length()
	}
	for i := uint(0); i < n; i++ {
		child := children.Item(i)
		switch localName(child) {
		case "datamodel":
			elements, err := parseDataModel(child)
			if err != nil {
				return nil, err
			}
			b.doc.DataModel = elements
		case "script":
			b.doc.TopScript = string(child.TextContent())
		case "state", "parallel", "final":
			id, err := b.compileState(StateID(""), child)
			if err != nil {
				return nil, err
			}
			b.doc.roots = append(b.doc.roots, id)
		}
	}
	if len(b.doc.roots) == 0 {
		return nil, &ExecutionError{Message: "document declares no top-level state", Element: root}
	}

	if initialAttr := attr(root, "initial"); initialAttr != "" {
		for _, tok := range strings.Fields(initialAttr) {
			b.doc.TopInitial = append(b.doc.TopInitial, StateID(tok))
		}
	} else {
		b.doc.TopInitial = []StateID{b.doc.roots[0]}
	}

	if err := b.resolveReferences(); err != nil {
		return nil, err
	}
	return b.doc, nil
}

func (b *builder) compileState(parent StateID, el xmldom.Element) (StateID, error) {
	id := StateID(attr(el, "id"))
	if id == "" {
		id = StateID(fmt.Sprintf("__anon%d", b.counter))
	}
	if _, exists := b.doc.states[id]; exists {
		return "", &ExecutionError{Message: fmt.Sprintf("duplicate state id %q", id), Element: el}
	}

	kind := KindCompound
	switch localName(el) {
	case "final":
		kind = KindFinal
	case "parallel":
		kind = KindParallel
	}

	state := &State{ID: id, Kind: kind, Doc: b.counter, Parent: parent}
	b.counter++
	b.doc.states[id] = state
	b.doc.order = append(b.doc.order, id)
	if parent != "" {
		b.doc.ancestors[id] = append([]StateID{parent}, b.doc.ancestors[parent]...)
	}

	children := el.Children()
	var n uint
	if children != nil {
		n = children.Length()
	}
	var sawChildState bool
	for i := uint(0); i < n; i++ {
		child := children.Item(i)
		switch localName(child) {
		case "state", "parallel", "final":
			childID, err := b.compileState(id, child)
			if err != nil {
				return "", err
			}
			state.Children = append(state.Children, childID)
			sawChildState = true
		case "history":
			childID, err := b.compileHistory(id, child)
			if err != nil {
				return "", err
			}
			state.Children = append(state.Children, childID)
		case "initial":
			trs := child.Children()
			if trs != nil {
				for j := uint(0); j < trs.Length(); j++ {
					if localName(trs.Item(j)) == "transition" {
						tr, err := b.parseTransition(id, trs.Item(j))
						if err != nil {
							return "", err
						}
						if len(tr.Targets) > 0 {
							state.Initial = tr.Targets[0]
						}
						state.InitialActs = tr.Actions
					}
				}
			}
		case "transition":
			tr, err := b.parseTransition(id, child)
			if err != nil {
				return "", err
			}
			state.Transitions = append(state.Transitions, tr)
		case "onentry":
			actions, err := parseActionBlock(child)
			if err != nil {
				return "", err
			}
			state.OnEntry = append(state.OnEntry, actions)
		case "onexit":
			actions, err := parseActionBlock(child)
			if err != nil {
				return "", err
			}
			state.OnExit = append(state.OnExit, actions)
		case "invoke":
			inv, err := b.parseInvoke(child, len(state.Invokes))
			if err != nil {
				return "", err
			}
			state.Invokes = append(state.Invokes, inv)
		case "donedata":
			dd, err := parseDoneData(child)
			if err != nil {
				return "", err
			}
			state.DoneData = dd
		}
	}

	if kind == KindCompound && !sawChildState {
		// A <state> with no child <state>/<parallel>/<final> is atomic, not
		// an invalid empty compound (§3 invariant only binds states that do
		// declare children).
		state.Kind = KindAtomic
	}
	if state.Initial == "" && len(state.Children) > 0 {
		for _, c := range state.Children {
			if cs := b.doc.states[c]; cs != nil && !cs.Kind.IsHistory() {
				state.Initial = c
				break
			}
		}
	}

	return id, nil
}

func (b *builder) compileHistory(parent StateID, el xmldom.Element) (StateID, error) {
	id := StateID(attr(el, "id"))
	if id == "" {
		id = StateID(fmt.Sprintf("__hist%d", b.counter))
	}
	kind := KindHistoryShallow
	if attr(el, "type") == "deep" {
		kind = KindHistoryDeep
	}
	state := &State{ID: id, Kind: kind, Doc: b.counter, Parent: parent}
	b.counter++
	b.doc.states[id] = state
	b.doc.order = append(b.doc.order, id)
	b.doc.ancestors[id] = append([]StateID{parent}, b.doc.ancestors[parent]...)

	children := el.Children()
	if children != nil {
		for i := uint(0); i < children.Length(); i++ {
			child := children.Item(i)
			if localName(child) == "transition" {
				tr, err := b.parseTransition(id, child)
				if err != nil {
					return "", err
				}
				state.HistoryDefault = tr.Targets
				state.HistoryDefaultActs = tr.Actions
			}
		}
	}
	return id, nil
}

func (b *builder) parseTransition(source StateID, el xmldom.Element) (*Transition, error) {
	tr := &Transition{Source: source, Doc: b.counter}
	b.counter++

	if ev := attr(el, "event"); ev != "" {
		tr.Events = strings.Fields(ev)
	}
	tr.Cond = attr(el, "cond")
	if target := attr(el, "target"); target != "" {
		for _, tok := range strings.Fields(target) {
			tr.Targets = append(tr.Targets, StateID(tok))
		}
	}
	if attr(el, "type") == "internal" {
		tr.Type = TransitionInternal
	}

	actions, err := parseActionBlock(el)
	if err != nil {
		return nil, err
	}
	tr.Actions = actions
	return tr, nil
}

func (b *builder) parseInvoke(el xmldom.Element, index int) (*InvokeDescriptor, error) {
	inv := &InvokeDescriptor{
		Type:        attr(el, "type"),
		TypeExpr:    attr(el, "typeexpr"),
		Src:         attr(el, "src"),
		SrcExpr:     attr(el, "srcexpr"),
		ID:          attr(el, "id"),
		IDLocation:  attr(el, "idlocation"),
		Autoforward: attr(el, "autoforward") == "true",
		Index:       index,
	}
	if inv.Type == "" && inv.TypeExpr == "" {
		inv.Type = SCXMLEventProcessorType
	}
	if nl := attr(el, "namelist"); nl != "" {
		inv.Namelist = strings.Fields(nl)
	}

	children := el.Children()
	if children != nil {
		for i := uint(0); i < children.Length(); i++ {
			child := children.Item(i)
			switch localName(child) {
			case "param":
				inv.Params = append(inv.Params, parseParam(child))
			case "content":
				inv.Content = parseContent(child)
			case "finalize":
				actions, err := parseActionBlock(child)
				if err != nil {
					return nil, err
				}
				inv.Finalize = actions
			}
		}
	}
	return inv, nil
}

func parseDataModel(el xmldom.Element) ([]*DataElement, error) {
	var out []*DataElement
	children := el.Children()
	if children == nil {
		return out, nil
	}
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if localName(child) != "data" {
			continue
		}
		out = append(out, &DataElement{
			ID:     attr(child, "id"),
			Expr:   attr(child, "expr"),
			Src:    attr(child, "src"),
			Inline: string(child.TextContent()),
		})
	}
	return out, nil
}

func parseDoneData(el xmldom.Element) (*DoneData, error) {
	dd := &DoneData{}
	children := el.Children()
	if children == nil {
		return dd, nil
	}
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		switch localName(child) {
		case "content":
			dd.Content = parseContent(child)
		case "param":
			dd.Params = append(dd.Params, parseParam(child))
		}
	}
	return dd, nil
}

func parseParam(el xmldom.Element) ParamElement {
	return ParamElement{
		Name:     attr(el, "name"),
		Expr:     attr(el, "expr"),
		Location: attr(el, "location"),
	}
}

func parseContent(el xmldom.Element) *ContentElement {
	c := &ContentElement{Expr: attr(el, "expr")}
	if c.Expr != "" {
		return c
	}
	if nested := firstChildElementNamed(el, "scxml"); nested != nil {
		if doc, err := compile(nested); err == nil {
			c.Doc = doc
			return c
		}
	}
	c.Body = string(el.TextContent())
	return c
}

// firstChildElementNamed returns el's first child element whose local name is
// name, or nil. Used to find an inline <content><scxml>...</scxml></content>
// child document without mistaking plain text/JSON content for markup.
func firstChildElementNamed(el xmldom.Element, name string) xmldom.Element {
	children := el.Children()
	if children == nil {
		return nil
	}
	for i := uint(0); i < children.Length(); i++ {
		child := children.Item(i)
		if localName(child) == name {
			return child
		}
	}
	return nil
}

// resolveReferences validates that every transition target, every history
// default target, and every id of the document's initial attribute names an
// existing state. State.Initial values are not checked here; compileState
// sets them.
func (b *builder) resolveReferences() error {
	for _, id := range b.doc.order {
		s := b.doc.states[id]
		for _, tr := range s.Transitions {
			for _, t := range tr.Targets {
				if _, ok := b.doc.states[t]; !ok {
					return &ExecutionError{Message: fmt.Sprintf("transition from %q targets unknown state %q", id, t)}
				}
			}
		}
		for _, t := range s.HistoryDefault {
			if _, ok := b.doc.states[t]; !ok {
				return &ExecutionError{Message: fmt.Sprintf("history %q default targets unknown state %q", id, t)}
			}
		}
	}
	for _, t := range b.doc.TopInitial {
		if _, ok := b.doc.states[t]; !ok {
			return &ExecutionError{Message: fmt.Sprintf("document initial targets unknown state %q", t)}
		}
	}
	return nil
}

func localName(el xmldom.Element) string {
	if ln := string(el.LocalName()); ln != "" {
		return ln
	}
	tag := string(el.TagName())
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		return tag[idx+1:]
	}
	return tag
}

func attr(el xmldom.Element, name string) string {
	return string(el.GetAttribute(xmldom.DOMString(name)))
}
