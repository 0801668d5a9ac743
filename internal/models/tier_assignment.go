package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TierAssignment pins a client to a tier regardless of its auth context,
// unless the request carries a verified tier claim.
type TierAssignment struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClientID  string             `bson:"clientId" json:"clientId" validate:"required,max=256"`
	Tier      string             `bson:"tier" json:"tier" validate:"required,oneof=free basic premium enterprise internal"`
	Note      string             `bson:"note,omitempty" json:"note,omitempty" validate:"max=512"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}

type UpsertTierAssignmentRequest struct {
	Tier string `json:"tier" binding:"required,oneof=free basic premium enterprise internal"`
	Note string `json:"note" binding:"max=512"`
}
