package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type MongoStore struct {
	db            *mongo.Database
	templates     *mongo.Collection
	objects       *mongo.Collection
	conversations *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:            db,
		templates:     db.Collection("templates"),
		objects:       db.Collection("objects"),
		conversations: db.Collection("conversations"),
	}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
}

func parseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, ErrInvalidID
	}
	return oid, nil
}

type templateDoc struct {
	ID   bson.ObjectID `bson:"_id,omitempty"`
	YAML string        `bson:"yaml"`
	Name *string       `bson:"name,omitempty"`
}

func (s *MongoStore) InsertTemplate(ctx context.Context, yamlText string, name *string) (Template, error) {
	res, err := s.templates.InsertOne(ctx, templateDoc{YAML: yamlText, Name: name})
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", err)
	}
	oid, _ := res.InsertedID.(bson.ObjectID)
	return Template{ID: oid.Hex(), YAML: yamlText, Name: name}, nil
}

func (s *MongoStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	oid, err := parseID(id)
	if err != nil {
		return Template{}, err
	}
	var doc templateDoc
	if err := s.templates.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Template{}, ErrNotFound
		}
		return Template{}, fmt.Errorf("find template: %w", err)
	}
	return Template{ID: doc.ID.Hex(), YAML: doc.YAML, Name: doc.Name}, nil
}

type objectDoc struct {
	ID  bson.ObjectID `bson:"_id,omitempty"`
	Doc any           `bson:"doc"`
}

func (s *MongoStore) InsertObject(ctx context.Context, doc any) (string, error) {
	res, err := s.objects.InsertOne(ctx, objectDoc{Doc: doc})
	if err != nil {
		return "", fmt.Errorf("insert object: %w", err)
	}
	oid, _ := res.InsertedID.(bson.ObjectID)
	return oid.Hex(), nil
}

func (s *MongoStore) GetObject(ctx context.Context, id string) (Object, error) {
	oid, err := parseID(id)
	if err != nil {
		return Object{}, err
	}
	var doc objectDoc
	if err := s.objects.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("find object: %w", err)
	}
	return Object{ID: doc.ID.Hex(), Doc: NormalizeValue(doc.Doc)}, nil
}

// ReplaceObjectDoc overwrites the stored document under id in a single write.
func (s *MongoStore) ReplaceObjectDoc(ctx context.Context, id string, doc any) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.objects.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"doc": doc}})
	if err != nil {
		return fmt.Errorf("update object: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type conversationDoc struct {
	ID           bson.ObjectID  `bson:"_id,omitempty"`
	Title        string         `bson:"title"`
	Initial      any            `bson:"initial"`
	Steps        []Step         `bson:"steps"`
	PendingSteps []TemplateRef  `bson:"pending_steps"`
	SessionState map[string]any `bson:"session_state"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

func toConversation(doc conversationDoc) Conversation {
	steps := doc.Steps
	if steps == nil {
		steps = []Step{}
	}
	for i := range steps {
		for j := range steps[i].Ops {
			steps[i].Ops[j].Value = NormalizeValue(steps[i].Ops[j].Value)
		}
	}
	pending := doc.PendingSteps
	if pending == nil {
		pending = []TemplateRef{}
	}
	return Conversation{
		ID:           doc.ID.Hex(),
		Title:        doc.Title,
		Initial:      NormalizeValue(doc.Initial),
		Steps:        steps,
		PendingSteps: pending,
		SessionState: NormalizeMap(doc.SessionState),
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func (s *MongoStore) CreateConversation(ctx context.Context, title string, initial any) (Conversation, error) {
	now := time.Now().UTC()
	doc := conversationDoc{
		Title:        title,
		Initial:      initial,
		Steps:        []Step{},
		PendingSteps: []TemplateRef{},
		SessionState: map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	res, err := s.conversations.InsertOne(ctx, doc)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	doc.ID, _ = res.InsertedID.(bson.ObjectID)
	return toConversation(doc), nil
}

// ListConversations returns summaries sorted by updated_at descending.
// Ties keep whatever order the server returns them in.
func (s *MongoStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	opts := options.Find().
		SetProjection(bson.M{"title": 1, "updated_at": 1}).
		SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cursor, err := s.conversations.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID        bson.ObjectID `bson:"_id"`
		Title     string        `bson:"title"`
		UpdatedAt time.Time     `bson:"updated_at"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	items := make([]ConversationSummary, 0, len(docs))
	for _, doc := range docs {
		items = append(items, ConversationSummary{ID: doc.ID.Hex(), Title: doc.Title, UpdatedAt: doc.UpdatedAt})
	}
	return items, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	oid, err := parseID(id)
	if err != nil {
		return Conversation{}, err
	}
	var doc conversationDoc
	if err := s.conversations.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return toConversation(doc), nil
}

func (s *MongoStore) updateConversation(ctx context.Context, id string, update bson.M) error {
	oid, err := parseID(id)
	if err != nil {
		return err
	}
	res, err := s.conversations.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) RenameConversation(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, id, bson.M{
		"$set": bson.M{"title": title, "updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) AppendStep(ctx context.Context, id string, step Step) error {
	return s.updateConversation(ctx, id, bson.M{
		"$push": bson.M{"steps": step},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

// UndoStep pops the last step. $pop on an empty array matches and falls
// through, so undo on an empty log still refreshes updated_at.
func (s *MongoStore) UndoStep(ctx context.Context, id string) error {
	return s.updateConversation(ctx, id, bson.M{
		"$pop": bson.M{"steps": 1},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) ResetSteps(ctx context.Context, id string) error {
	return s.updateConversation(ctx, id, bson.M{
		"$set": bson.M{"steps": []Step{}, "updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) UpdateConversationState(ctx context.Context, id string, pending []TemplateRef, session map[string]any) error {
	if pending == nil {
		pending = []TemplateRef{}
	}
	if session == nil {
		session = map[string]any{}
	}
	return s.updateConversation(ctx, id, bson.M{
		"$set": bson.M{
			"pending_steps": pending,
			"session_state": session,
			"updated_at":    time.Now().UTC(),
		},
	})
}
