package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"patchbay/api/internal/store"
)

// memStore is an in-memory stand-in for store.MongoStore. Ids are 24-char hex
// like real object ids so malformed-id handling behaves the same as the Mongo
// store's. The clock advances one second per mutation, which keeps updated_at
// comparisons deterministic without sleeping.
type memStore struct {
	mu            sync.Mutex
	nextID        int
	clock         time.Time
	templates     map[string]store.Template
	objects       map[string]any
	conversations map[string]*store.Conversation
	created       []string

	pingFn func(context.Context) error
}

func newMemStore() *memStore {
	return &memStore{
		clock:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		templates:     map[string]store.Template{},
		objects:       map[string]any{},
		conversations: map[string]*store.Conversation{},
	}
}

func (m *memStore) newID() string {
	m.nextID++
	return fmt.Sprintf("%024x", m.nextID)
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func wellFormedID(id string) bool {
	if len(id) != 24 {
		return false
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) InsertTemplate(_ context.Context, yamlText string, name *string) (store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl := store.Template{ID: m.newID(), YAML: yamlText, Name: name}
	m.templates[tpl.ID] = tpl
	return tpl, nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (store.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !wellFormedID(id) {
		return store.Template{}, store.ErrInvalidID
	}
	tpl, ok := m.templates[id]
	if !ok {
		return store.Template{}, store.ErrNotFound
	}
	return tpl, nil
}

func (m *memStore) InsertObject(_ context.Context, doc any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.newID()
	m.objects[id] = doc
	return id, nil
}

func (m *memStore) GetObject(_ context.Context, id string) (store.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !wellFormedID(id) {
		return store.Object{}, store.ErrInvalidID
	}
	doc, ok := m.objects[id]
	if !ok {
		return store.Object{}, store.ErrNotFound
	}
	return store.Object{ID: id, Doc: doc}, nil
}

func (m *memStore) ReplaceObjectDoc(_ context.Context, id string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !wellFormedID(id) {
		return store.ErrInvalidID
	}
	if _, ok := m.objects[id]; !ok {
		return store.ErrNotFound
	}
	m.objects[id] = doc
	return nil
}

func (m *memStore) CreateConversation(_ context.Context, title string, initial any) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	conv := &store.Conversation{
		ID:           m.newID(),
		Title:        title,
		Initial:      initial,
		Steps:        []store.Step{},
		PendingSteps: []store.TemplateRef{},
		SessionState: map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.conversations[conv.ID] = conv
	m.created = append(m.created, conv.ID)
	return copyConversation(conv), nil
}

// ListConversations sorts by updated_at descending. Tie order is store-native
// and unspecified in the contract; this fake happens to keep insertion order
// for equal timestamps, which tests must not rely on.
func (m *memStore) ListConversations(_ context.Context) ([]store.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.ConversationSummary, 0, len(m.conversations))
	for _, id := range m.created {
		conv := m.conversations[id]
		items = append(items, store.ConversationSummary{ID: conv.ID, Title: conv.Title, UpdatedAt: conv.UpdatedAt})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return store.Conversation{}, err
	}
	return copyConversation(conv), nil
}

func (m *memStore) RenameConversation(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) AppendStep(_ context.Context, id string, step store.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return err
	}
	conv.Steps = append(conv.Steps, step)
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) UndoStep(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return err
	}
	if len(conv.Steps) > 0 {
		conv.Steps = conv.Steps[:len(conv.Steps)-1]
	}
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) ResetSteps(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return err
	}
	conv.Steps = []store.Step{}
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) UpdateConversationState(_ context.Context, id string, pending []store.TemplateRef, session map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, err := m.findConversation(id)
	if err != nil {
		return err
	}
	conv.PendingSteps = append([]store.TemplateRef{}, pending...)
	conv.SessionState = session
	conv.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) findConversation(id string) (*store.Conversation, error) {
	if !wellFormedID(id) {
		return nil, store.ErrInvalidID
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func copyConversation(conv *store.Conversation) store.Conversation {
	out := *conv
	out.Steps = append([]store.Step{}, conv.Steps...)
	out.PendingSteps = append([]store.TemplateRef{}, conv.PendingSteps...)
	out.SessionState = make(map[string]any, len(conv.SessionState))
	for key, value := range conv.SessionState {
		out.SessionState[key] = value
	}
	return out
}
