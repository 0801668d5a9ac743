package repository

import (
	"context"
	"errors"
	"time"

	"admission-gateway/internal/models"
	"admission-gateway/pkg/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrTierAssignmentNotFound = errors.New("tier assignment not found")

const queryTimeout = 10 * time.Second

type TierRepository struct {
	collection *mongo.Collection
}

func NewTierRepository(db *mongo.Database) *TierRepository {
	return &TierRepository{
		collection: db.Collection(database.TierAssignmentsCollection),
	}
}

func (r *TierRepository) List(ctx context.Context) ([]*models.TierAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "clientId", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var assignments []*models.TierAssignment
	for cursor.Next(ctx) {
		var assignment models.TierAssignment
		if err := cursor.Decode(&assignment); err != nil {
			return nil, err
		}
		assignments = append(assignments, &assignment)
	}

	return assignments, cursor.Err()
}

func (r *TierRepository) Get(ctx context.Context, clientID string) (*models.TierAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var assignment models.TierAssignment
	err := r.collection.FindOne(ctx, bson.M{"clientId": clientID}).Decode(&assignment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTierAssignmentNotFound
		}
		return nil, err
	}

	return &assignment, nil
}

// Upsert creates or replaces the assignment for assignment.ClientID and
// returns the stored document.
func (r *TierRepository) Upsert(ctx context.Context, assignment *models.TierAssignment) (*models.TierAssignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"tier":      assignment.Tier,
			"note":      assignment.Note,
			"updatedAt": now,
		},
		"$setOnInsert": bson.M{
			"clientId":  assignment.ClientID,
			"createdAt": now,
		},
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored models.TierAssignment
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"clientId": assignment.ClientID}, update, opts).Decode(&stored)
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

func (r *TierRepository) Delete(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.collection.DeleteOne(ctx, bson.M{"clientId": clientID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrTierAssignmentNotFound
	}

	return nil
}
