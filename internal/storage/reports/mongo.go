package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when no report matches.
var ErrNotFound = errors.New("report not found")

// Source is a web source cited in a report.
type Source struct {
	URL     string `json:"url"     bson:"url"`
	Title   string `json:"title"   bson:"title"`
	Snippet string `json:"snippet" bson:"snippet"`
}

// Section is one written section of a report.
type Section struct {
	ID        string   `json:"id"         bson:"id"`
	Title     string   `json:"title"      bson:"title"`
	Content   string   `json:"content"    bson:"content"`
	Sources   []Source `json:"sources"    bson:"sources"`
	WordCount int      `json:"word_count" bson:"word_count"`
}

// Report is a finished deep research report stored in MongoDB.
type Report struct {
	ID                primitive.ObjectID `json:"id"                  bson:"_id,omitempty"`
	UserID            string             `json:"user_id"             bson:"user_id"`
	TurnID            string             `json:"turn_id"             bson:"turn_id"`
	Query             string             `json:"query"               bson:"query"`
	Title             string             `json:"title"               bson:"title"`
	Summary           string             `json:"summary"             bson:"summary"`
	Sections          []Section          `json:"sections"            bson:"sections"`
	TotalWords        int                `json:"total_words"         bson:"total_words"`
	TotalSources      int                `json:"total_sources"       bson:"total_sources"`
	MarkdownObjectKey string             `json:"markdown_object_key" bson:"markdown_object_key,omitempty"`
	CreatedAt         time.Time          `json:"created_at"          bson:"created_at"`
}

// Connect opens a MongoDB client and returns the named database.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client.Database(database), nil
}

// MongoStore handles report documents in MongoDB.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection("research_reports")}
}

func (s *MongoStore) Insert(ctx context.Context, report *Report) (string, error) {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	res, err := s.col.InsertOne(ctx, report)
	if err != nil {
		return "", fmt.Errorf("mongo insert: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("mongo insert: unexpected id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *MongoStore) ListByUser(ctx context.Context, userID string, limit int64) ([]Report, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cur, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx) //nolint:errcheck

	var docs []Report
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *MongoStore) GetByTurnID(ctx context.Context, userID, turnID string) (*Report, error) {
	var doc Report
	err := s.col.FindOne(ctx, bson.M{"user_id": userID, "turn_id": turnID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	return &doc, nil
}

// Disconnect closes the client behind the store.
func (s *MongoStore) Disconnect(ctx context.Context) error {
	return s.col.Database().Client().Disconnect(ctx)
}
