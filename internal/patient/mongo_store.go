package patient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the patient and goal services
const (
	PatientsCollection      = "patients"
	UserGoalsCollection     = "usergoals"
	GoalTrackingsCollection = "goaltrackings"
)

type patientDocument struct {
	ID       primitive.ObjectID `bson:"_id"`
	FullName string             `bson:"fullname"`
	Phone    string             `bson:"phone"`
	Email    string             `bson:"email"`
}

type userGoalDocument struct {
	ID        primitive.ObjectID `bson:"_id"`
	PatientID primitive.ObjectID `bson:"patientId"`
	Category  string             `bson:"category"`
	Value     []string           `bson:"value"`
}

type goalTrackingDocument struct {
	ID        primitive.ObjectID `bson:"_id"`
	UserID    primitive.ObjectID `bson:"userId"`
	GoalID    primitive.ObjectID `bson:"goalID"`
	Target    string             `bson:"target"`
	Completed bool               `bson:"completed"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// MongoStore reads patients and goals from MongoDB
type MongoStore struct {
	db           *mongo.Database
	logger       *slog.Logger
	queryTimeout time.Duration
}

// NewMongoStore creates a store on db. queryTimeout bounds every query; zero
// leaves the caller's deadline in charge.
func NewMongoStore(db *mongo.Database, logger *slog.Logger, queryTimeout time.Duration) *MongoStore {
	return &MongoStore{db: db, logger: logger, queryTimeout: queryTimeout}
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// parseID maps malformed ids to ErrPatientNotFound, the way a lookup by a
// non-existent id would
func parseID(patientID string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(patientID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: invalid id %q", ErrPatientNotFound, patientID)
	}
	return oid, nil
}

func (s *MongoStore) FindPatientByID(ctx context.Context, patientID string) (*Patient, error) {
	oid, err := parseID(patientID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc patientDocument
	err = s.db.Collection(PatientsCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("failed to find patient: %w", err)
	}

	return &Patient{
		ID:       doc.ID.Hex(),
		FullName: doc.FullName,
		Phone:    doc.Phone,
		Email:    doc.Email,
	}, nil
}

func (s *MongoStore) FindMedicationGoals(ctx context.Context, patientID string) ([]Goal, error) {
	oid, err := parseID(patientID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"patientId": oid, "category": CategoryMedication}
	cursor, err := s.db.Collection(UserGoalsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find medication goals: %w", err)
	}

	var docs []userGoalDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode medication goals: %w", err)
	}

	goals := make([]Goal, 0, len(docs))
	for _, doc := range docs {
		goals = append(goals, Goal{
			ID:       doc.ID.Hex(),
			Category: doc.Category,
			Values:   doc.Value,
		})
	}

	return goals, nil
}

// FindPendingGoalTracking returns incomplete entries, oldest first
func (s *MongoStore) FindPendingGoalTracking(ctx context.Context, patientID string, limit int) ([]GoalTracking, error) {
	oid, err := parseID(patientID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	filter := bson.M{"userId": oid, "completed": false}
	cursor, err := s.db.Collection(GoalTrackingsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending goal tracking: %w", err)
	}

	var docs []goalTrackingDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode goal tracking: %w", err)
	}

	entries := make([]GoalTracking, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, GoalTracking{
			ID:        doc.ID.Hex(),
			GoalID:    doc.GoalID.Hex(),
			Target:    doc.Target,
			Completed: doc.Completed,
			CreatedAt: doc.CreatedAt,
		})
	}

	return entries, nil
}
