package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports an id that is well-formed but absent from its collection.
	ErrNotFound = errors.New("not found")
	// ErrInvalidID reports an id string that cannot be parsed as an object id.
	ErrInvalidID = errors.New("invalid id")
)

const (
	ModeDiff     = "diff"
	ModeExplicit = "explicit"
)

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Op is one add/replace/remove instruction targeting a JSON-pointer path.
type Op struct {
	Op    string `bson:"op" json:"op"`
	Path  string `bson:"path" json:"path"`
	Value any    `bson:"value,omitempty" json:"value,omitempty"`
}

// Step is one committed entry in a conversation's edit log. Steps are
// immutable once appended; only the last one can go away, via undo.
type Step struct {
	TemplatePath string    `bson:"templatePath" json:"templatePath"`
	Mode         string    `bson:"mode" json:"mode"`
	Ops          []Op      `bson:"ops" json:"ops"`
	At           time.Time `bson:"at" json:"at"`
}

// TemplateRef points at a template+mode without any ops attached. A
// conversation's pending steps are a list of these.
type TemplateRef struct {
	TemplatePath string `bson:"templatePath" json:"templatePath"`
	Mode         string `bson:"mode" json:"mode"`
}

type Conversation struct {
	ID           string
	Title        string
	Initial      any
	Steps        []Step
	PendingSteps []TemplateRef
	SessionState map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ConversationSummary struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

type Template struct {
	ID   string
	YAML string
	Name *string
}

type Object struct {
	ID  string
	Doc any
}
