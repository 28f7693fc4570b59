package scxml

// DataElement is one <data> child of a <datamodel> block (§3, §4.2).
type DataElement struct {
	ID   string
	Expr string // value expression; empty with Src empty means undefined
	Src  string // external src= reference, resolved by the host before Load
	// Inline holds literal child content (text or nested markup) used when
	// neither Expr nor Src is present.
	Inline string
}

// ParamElement is one <param> of a <send> or <invoke> (§3, §4.5, §4.6).
type ParamElement struct {
	Name     string
	Expr     string
	Location string // alternative to Expr: read from data-model location
}

// ContentElement models a <content> child (inline payload or expr) used by
// <send>, <invoke>, and <donedata> (§3, §4.5, §4.6).
type ContentElement struct {
	Expr string
	Body string // literal inline text content, when content is not a nested document

	// Doc holds an inline <content><scxml>...</scxml></content> child document,
	// compiled at load time rather than re-serialized through Body: an
	// <invoke>'s content is element markup, not text, so TextContent (which
	// concatenates descendant text nodes only) would silently discard it.
	Doc *Document
}

// DoneData is the <donedata> of a <final> state (§3).
type DoneData struct {
	Content *ContentElement
	Params  []ParamElement
}

// InvokeDescriptor describes one <invoke> child of a non-atomic state (§3,
// §4.6).
type InvokeDescriptor struct {
	Type     string // type URI; defaults to SCXMLEventProcessorType
	TypeExpr string

	Src     string
	SrcExpr string
	Content *ContentElement // inline child SCXML document

	ID         string
	IDLocation string

	Namelist []string
	Params   []ParamElement

	Autoforward bool

	Finalize []Action

	// Index disambiguates multiple <invoke> children of the same state
	// when generating an id (Open Question #3: "<stateid>.<platformid>.<index>").
	Index int
}
