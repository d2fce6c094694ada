package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"patchbay/api/internal/config"
	"patchbay/api/internal/patch"
	"patchbay/api/internal/store"
	"patchbay/api/internal/util"
)

type OpInput struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

type AppendStepInput struct {
	TemplatePath string    `json:"templatePath"`
	Mode         string    `json:"mode"`
	Ops          []OpInput `json:"ops"`
}

type TemplateRefInput struct {
	TemplatePath string `json:"templatePath"`
	Mode         string `json:"mode"`
}

type UpdateStateInput struct {
	PendingSteps []TemplateRefInput `json:"pendingSteps"`
	SessionState map[string]any     `json:"sessionState"`
}

var allowedModes = map[string]struct{}{
	store.ModeDiff:     {},
	store.ModeExplicit: {},
}

var allowedOps = map[string]struct{}{
	store.OpAdd:     {},
	store.OpReplace: {},
	store.OpRemove:  {},
}

// dataStore is the document store surface the service needs. The Mongo
// implementation lives in internal/store; tests substitute an in-memory one.
type dataStore interface {
	Ping(context.Context) error
	InsertTemplate(ctx context.Context, yamlText string, name *string) (store.Template, error)
	GetTemplate(ctx context.Context, id string) (store.Template, error)
	InsertObject(ctx context.Context, doc any) (string, error)
	GetObject(ctx context.Context, id string) (store.Object, error)
	ReplaceObjectDoc(ctx context.Context, id string, doc any) error
	CreateConversation(ctx context.Context, title string, initial any) (store.Conversation, error)
	ListConversations(ctx context.Context) ([]store.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, error)
	RenameConversation(ctx context.Context, id, title string) error
	AppendStep(ctx context.Context, id string, step store.Step) error
	UndoStep(ctx context.Context, id string) error
	ResetSteps(ctx context.Context, id string) error
	UpdateConversationState(ctx context.Context, id string, pending []store.TemplateRef, session map[string]any) error
}

type Service struct {
	cfg   config.Config
	store dataStore
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Templates ──

func (s *Service) CreateTemplate(ctx context.Context, yamlText string, name *string) (map[string]any, error) {
	if strings.TrimSpace(yamlText) == "" {
		return nil, domainError(http.StatusBadRequest, "validation_error", "yaml is required", nil)
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(yamlText), &parsed); err != nil {
		return nil, domainError(http.StatusBadRequest, "validation_error", "yaml is not well-formed", err.Error())
	}
	tpl, err := s.store.InsertTemplate(ctx, yamlText, name)
	if err != nil {
		return nil, err
	}
	return templatePayload(tpl), nil
}

func (s *Service) GetTemplate(ctx context.Context, id string) (map[string]any, error) {
	tpl, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	return templatePayload(tpl), nil
}

func templatePayload(tpl store.Template) map[string]any {
	return map[string]any{"id": tpl.ID, "yaml": tpl.YAML, "name": tpl.Name}
}

// ── Objects ──

func (s *Service) CreateObject(ctx context.Context, doc any) (map[string]any, error) {
	id, err := s.store.InsertObject(ctx, doc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (s *Service) GetObject(ctx context.Context, id string) (map[string]any, error) {
	obj, err := s.store.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": obj.ID, "doc": obj.Doc}, nil
}

// ApplyPatch fetches the object, applies the ops to a copy, and persists the
// whole result back under the same id. A failing op leaves the stored
// document untouched; the ops are never executed against store state directly.
func (s *Service) ApplyPatch(ctx context.Context, objectID string, ops []OpInput) (map[string]any, error) {
	if err := validateOps(ops); err != nil {
		return nil, err
	}
	obj, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		return nil, err
	}
	docBytes, err := json.Marshal(obj.Doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	updatedBytes, err := patch.Apply(docBytes, patchBytes)
	if err != nil {
		return nil, err
	}
	var updated any
	if err := json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, fmt.Errorf("decode patched document: %w", err)
	}
	if err := s.store.ReplaceObjectDoc(ctx, objectID, updated); err != nil {
		return nil, err
	}
	return map[string]any{"id": obj.ID, "doc": updated}, nil
}

func validateOps(ops []OpInput) error {
	for i, op := range ops {
		if _, ok := allowedOps[op.Op]; !ok {
			return domainError(http.StatusBadRequest, "validation_error", fmt.Sprintf("ops[%d]: op must be add, replace or remove", i), nil)
		}
		if op.Path != "" && !strings.HasPrefix(op.Path, "/") {
			return domainError(http.StatusBadRequest, "validation_error", fmt.Sprintf("ops[%d]: path must be a JSON pointer", i), nil)
		}
		if (op.Op == store.OpAdd || op.Op == store.OpReplace) && op.Value == nil {
			return domainError(http.StatusBadRequest, "validation_error", fmt.Sprintf("ops[%d]: value is required for %s", i, op.Op), nil)
		}
	}
	return nil
}

// ── Conversations ──

func (s *Service) CreateConversation(ctx context.Context, title string, initial json.RawMessage) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = util.NewID("")
	}
	var initialDoc any = map[string]any{}
	if len(initial) > 0 && string(initial) != "null" {
		if err := json.Unmarshal(initial, &initialDoc); err != nil {
			return nil, domainError(http.StatusBadRequest, "validation_error", "initial must be an object", nil)
		}
		if _, ok := initialDoc.(map[string]any); !ok {
			return nil, domainError(http.StatusBadRequest, "validation_error", "initial must be an object", nil)
		}
	}
	conv, err := s.store.CreateConversation(ctx, title, initialDoc)
	if err != nil {
		return nil, err
	}
	return conversationPayload(conv), nil
}

func (s *Service) ListConversations(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, map[string]any{
			"id":        item.ID,
			"title":     item.Title,
			"updatedAt": item.UpdatedAt,
		})
	}
	return map[string]any{"items": payload}, nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (map[string]any, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return conversationPayload(conv), nil
}

func (s *Service) RenameConversation(ctx context.Context, id, title string) error {
	if strings.TrimSpace(title) == "" {
		return domainError(http.StatusBadRequest, "validation_error", "title is required", nil)
	}
	return s.store.RenameConversation(ctx, id, title)
}

// AppendStep stamps the step server-side and writes it to the log. The ops are
// recorded as data; nothing checks that they would apply to any document.
func (s *Service) AppendStep(ctx context.Context, id string, in AppendStepInput) error {
	if strings.TrimSpace(in.TemplatePath) == "" {
		return domainError(http.StatusBadRequest, "validation_error", "templatePath is required", nil)
	}
	if _, ok := allowedModes[in.Mode]; !ok {
		return domainError(http.StatusBadRequest, "validation_error", "mode must be diff or explicit", nil)
	}
	if err := validateOps(in.Ops); err != nil {
		return err
	}
	step := store.Step{
		TemplatePath: in.TemplatePath,
		Mode:         in.Mode,
		Ops:          opsFromInput(in.Ops),
		At:           time.Now().UTC(),
	}
	return s.store.AppendStep(ctx, id, step)
}

func (s *Service) UndoStep(ctx context.Context, id string) error {
	return s.store.UndoStep(ctx, id)
}

func (s *Service) ResetSteps(ctx context.Context, id string) error {
	return s.store.ResetSteps(ctx, id)
}

// UpdateConversationState replaces pendingSteps and sessionState wholesale.
// There is no merge and no version token; concurrent writers race and the
// later write wins.
func (s *Service) UpdateConversationState(ctx context.Context, id string, in UpdateStateInput) error {
	refs := make([]store.TemplateRef, 0, len(in.PendingSteps))
	for i, ref := range in.PendingSteps {
		if strings.TrimSpace(ref.TemplatePath) == "" {
			return domainError(http.StatusBadRequest, "validation_error", fmt.Sprintf("pendingSteps[%d]: templatePath is required", i), nil)
		}
		if _, ok := allowedModes[ref.Mode]; !ok {
			return domainError(http.StatusBadRequest, "validation_error", fmt.Sprintf("pendingSteps[%d]: mode must be diff or explicit", i), nil)
		}
		refs = append(refs, store.TemplateRef{TemplatePath: ref.TemplatePath, Mode: ref.Mode})
	}
	session := in.SessionState
	if session == nil {
		session = map[string]any{}
	}
	return s.store.UpdateConversationState(ctx, id, refs, session)
}

func opsFromInput(ops []OpInput) []store.Op {
	out := make([]store.Op, 0, len(ops))
	for _, op := range ops {
		converted := store.Op{Op: op.Op, Path: op.Path}
		if len(op.Value) > 0 {
			var value any
			_ = json.Unmarshal(op.Value, &value)
			converted.Value = value
		}
		out = append(out, converted)
	}
	return out
}

func conversationPayload(conv store.Conversation) map[string]any {
	steps := conv.Steps
	if steps == nil {
		steps = []store.Step{}
	}
	pending := conv.PendingSteps
	if pending == nil {
		pending = []store.TemplateRef{}
	}
	sessionState := conv.SessionState
	if sessionState == nil {
		sessionState = map[string]any{}
	}
	return map[string]any{
		"id":           conv.ID,
		"title":        conv.Title,
		"initial":      conv.Initial,
		"steps":        steps,
		"pendingSteps": pending,
		"sessionState": sessionState,
		"createdAt":    conv.CreatedAt,
		"updatedAt":    conv.UpdatedAt,
	}
}
