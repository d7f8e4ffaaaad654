package users

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/odyssey-erp/erp-access/internal/platform/mongo"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

type identityDocument struct {
	ID           int64      `bson:"_id"`
	Email        string     `bson:"email"`
	Name         string     `bson:"name"`
	PasswordHash string     `bson:"password_hash"`
	RoleID       *int64     `bson:"role_id"`
	IsActive     bool       `bson:"is_active"`
	DeletedAt    *time.Time `bson:"deleted_at"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func (d identityDocument) toIdentity() Identity {
	return Identity(d)
}

// MongoRepository stores identities in MongoDB. Emails are stored folded so
// the unique index is case-insensitive.
type MongoRepository struct {
	db      *mongod.Database
	timeout time.Duration
	now     func() time.Time
}

// NewMongoRepository constructs a document-store repository.
func NewMongoRepository(db *mongod.Database, timeout time.Duration) *MongoRepository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MongoRepository{db: db, timeout: timeout, now: time.Now}
}

func (r *MongoRepository) collection() *mongod.Collection {
	return r.db.Collection(mongo.UsersCollection)
}

// FindByID fetches a live identity.
func (r *MongoRepository) FindByID(ctx context.Context, id int64) (Identity, error) {
	return r.one(ctx, "users: find by id", bson.M{"_id": id, "deleted_at": nil})
}

// FindByEmail fetches a live identity by its folded email.
func (r *MongoRepository) FindByEmail(ctx context.Context, email string) (Identity, error) {
	return r.one(ctx, "users: find by email", bson.M{"email": shared.NormalizeEmail(email), "deleted_at": nil})
}

// Create inserts a new identity with the next sequence id.
func (r *MongoRepository) Create(ctx context.Context, in NewIdentity) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := mongo.NextSequence(ctx, r.db, mongo.UsersCollection)
	if err != nil {
		return Identity{}, shared.Unavailable("users: allocate id", err)
	}
	now := r.now().UTC()
	doc := identityDocument{
		ID:           id,
		Email:        shared.NormalizeEmail(in.Email),
		Name:         in.Name,
		PasswordHash: in.PasswordHash,
		RoleID:       in.RoleID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := r.collection().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKey(err) {
			return Identity{}, ErrDuplicateEmail
		}
		return Identity{}, shared.Unavailable("users: create", err)
	}
	return doc.toIdentity(), nil
}

// Update writes the non-nil patch fields of a live identity.
func (r *MongoRepository) Update(ctx context.Context, id int64, patch IdentityPatch) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	set := bson.M{"updated_at": r.now().UTC()}
	if patch.Email != nil {
		set["email"] = shared.NormalizeEmail(*patch.Email)
	}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.PasswordHash != nil {
		set["password_hash"] = *patch.PasswordHash
	}
	var doc identityDocument
	err := r.collection().FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted_at": nil},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case err == nil:
		return doc.toIdentity(), nil
	case mongo.IsNoDocuments(err):
		return Identity{}, ErrNotFound
	case mongo.IsDuplicateKey(err):
		return Identity{}, ErrDuplicateEmail
	default:
		return Identity{}, shared.Unavailable("users: update", err)
	}
}

// List returns a page of live identities ordered by id with the total count.
func (r *MongoRepository) List(ctx context.Context, filter ListFilter) ([]Identity, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	live := bson.M{"deleted_at": nil}
	total, err := r.collection().CountDocuments(ctx, live)
	if err != nil {
		return nil, 0, shared.Unavailable("users: count", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(filter.offset())).
		SetLimit(int64(filter.PerPage))
	cursor, err := r.collection().Find(ctx, live, opts)
	if err != nil {
		return nil, 0, shared.Unavailable("users: list", err)
	}
	var docs []identityDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, shared.Unavailable("users: list", err)
	}
	out := make([]Identity, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toIdentity())
	}
	return out, int(total), nil
}

// SoftDelete marks the identity deleted and inactive.
func (r *MongoRepository) SoftDelete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now().UTC()
	res, err := r.collection().UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": now, "is_active": false, "updated_at": now}},
	)
	if err != nil {
		return shared.Unavailable("users: soft delete", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) one(ctx context.Context, op string, filter bson.M) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc identityDocument
	if err := r.collection().FindOne(ctx, filter).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, shared.Unavailable(op, err)
	}
	return doc.toIdentity(), nil
}

var _ RepositoryPort = (*MongoRepository)(nil)
