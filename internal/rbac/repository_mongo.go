package rbac

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/odyssey-erp/erp-access/internal/platform/mongo"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

type roleDocument struct {
	ID          int64                  `bson:"_id"`
	Name        string                 `bson:"name"`
	Description string                 `bson:"description"`
	Permissions map[string]Permissions `bson:"permissions"`
	Version     int64                  `bson:"version"`
	CreatedAt   time.Time              `bson:"created_at"`
	UpdatedAt   time.Time              `bson:"updated_at"`
}

func (d roleDocument) toRole() Role {
	matrix := make(Matrix, len(d.Permissions))
	for name, perms := range d.Permissions {
		matrix[Resource(name)] = perms
	}
	return Role{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Permissions: matrix.Normalized(),
		Version:     d.Version,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func matrixDocument(m Matrix) map[string]Permissions {
	out := make(map[string]Permissions, len(m))
	for resource, perms := range m.Normalized() {
		out[string(resource)] = perms
	}
	return out
}

// MongoRepository stores roles in MongoDB. Role deletion runs in a
// transaction and therefore needs a replica set.
type MongoRepository struct {
	client  *mongod.Client
	db      *mongod.Database
	timeout time.Duration
	now     func() time.Time
}

// NewMongoRepository constructs a document-store repository.
func NewMongoRepository(client *mongod.Client, db *mongod.Database, timeout time.Duration) *MongoRepository {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &MongoRepository{client: client, db: db, timeout: timeout, now: time.Now}
}

func (r *MongoRepository) roles() *mongod.Collection {
	return r.db.Collection(mongo.RolesCollection)
}

func (r *MongoRepository) users() *mongod.Collection {
	return r.db.Collection(mongo.UsersCollection)
}

// ListRoles returns all roles.
func (r *MongoRepository) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cursor, err := r.roles().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, shared.Unavailable("rbac: list roles", err)
	}
	var docs []roleDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, shared.Unavailable("rbac: list roles", err)
	}
	roles := make([]Role, 0, len(docs))
	for _, doc := range docs {
		roles = append(roles, doc.toRole())
	}
	return roles, nil
}

// GetRole loads a single role.
func (r *MongoRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc roleDocument
	if err := r.roles().FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if mongo.IsNoDocuments(err) {
			return Role{}, ErrNotFound
		}
		return Role{}, shared.Unavailable("rbac: get role", err)
	}
	return doc.toRole(), nil
}

// CreateRole inserts a new role with the next sequence id.
func (r *MongoRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := mongo.NextSequence(ctx, r.db, mongo.RolesCollection)
	if err != nil {
		return Role{}, shared.Unavailable("rbac: allocate role id", err)
	}
	now := r.now().UTC()
	doc := roleDocument{
		ID:          id,
		Name:        role.Name,
		Description: role.Description,
		Permissions: matrixDocument(role.Permissions),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := r.roles().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKey(err) {
			return Role{}, ErrDuplicateName
		}
		return Role{}, shared.Unavailable("rbac: create role", err)
	}
	return doc.toRole(), nil
}

// UpdateRole writes role when its stored version equals expectedVersion.
func (r *MongoRepository) UpdateRole(ctx context.Context, role Role, expectedVersion int64) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"name":        role.Name,
			"description": role.Description,
			"permissions": matrixDocument(role.Permissions),
			"updated_at":  r.now().UTC(),
		},
		"$inc": bson.M{"version": int64(1)},
	}
	var doc roleDocument
	err := r.roles().FindOneAndUpdate(ctx,
		bson.M{"_id": role.ID, "version": expectedVersion},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case err == nil:
		return doc.toRole(), nil
	case mongo.IsDuplicateKey(err):
		return Role{}, ErrDuplicateName
	case !mongo.IsNoDocuments(err):
		return Role{}, shared.Unavailable("rbac: update role", err)
	}

	n, err := r.roles().CountDocuments(ctx, bson.M{"_id": role.ID})
	if err != nil {
		return Role{}, shared.Unavailable("rbac: update role", err)
	}
	if n == 0 {
		return Role{}, ErrNotFound
	}
	return Role{}, ErrConflict
}

// DeleteRole removes a role, moving its identities to replacementID when set.
func (r *MongoRepository) DeleteRole(ctx context.Context, id int64, replacementID *int64) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var moved []int64
	err := mongo.WithTransaction(ctx, r.client, func(ctx context.Context) error {
		moved = nil
		if err := r.requireRole(ctx, id); err != nil {
			return err
		}
		if replacementID != nil {
			if err := r.claimRole(ctx, *replacementID); err != nil {
				return err
			}
		}

		liveFilter := bson.M{"role_id": id, "deleted_at": nil}
		cursor, err := r.users().Find(ctx, liveFilter, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return shared.Unavailable("rbac: find role holders", err)
		}
		var holders []struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.All(ctx, &holders); err != nil {
			return shared.Unavailable("rbac: find role holders", err)
		}
		if len(holders) > 0 && replacementID == nil {
			return ErrRoleInUse
		}

		var next any
		if replacementID != nil {
			next = *replacementID
		}
		_, err = r.users().UpdateMany(ctx,
			bson.M{"role_id": id},
			bson.M{"$set": bson.M{"role_id": next, "updated_at": r.now().UTC()}},
		)
		if err != nil {
			return shared.Unavailable("rbac: reassign identities", err)
		}
		if _, err := r.roles().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return shared.Unavailable("rbac: delete role", err)
		}
		for _, h := range holders {
			moved = append(moved, h.ID)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTxError("rbac: delete role", err)
	}
	return moved, nil
}

// AssignRole points a live identity at roleID. The role document is written
// in the same transaction so a concurrent DeleteRole of roleID conflicts
// instead of leaving the identity on a removed role.
func (r *MongoRepository) AssignRole(ctx context.Context, identityID, roleID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var changed bool
	err := mongo.WithTransaction(ctx, r.client, func(ctx context.Context) error {
		changed = false
		if err := r.claimRole(ctx, roleID); err != nil {
			return err
		}
		res, err := r.users().UpdateOne(ctx,
			bson.M{"_id": identityID, "deleted_at": nil, "role_id": bson.M{"$ne": roleID}},
			bson.M{"$set": bson.M{"role_id": roleID, "updated_at": r.now().UTC()}},
		)
		if err != nil {
			return shared.Unavailable("rbac: assign role", err)
		}
		if res.MatchedCount == 1 {
			changed = true
			return nil
		}

		n, err := r.users().CountDocuments(ctx, bson.M{"_id": identityID, "deleted_at": nil})
		if err != nil {
			return shared.Unavailable("rbac: assign role", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return false, wrapTxError("rbac: assign role", err)
	}
	return changed, nil
}

func (r *MongoRepository) requireRole(ctx context.Context, id int64) error {
	err := r.roles().FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err == nil {
		return nil
	}
	if mongo.IsNoDocuments(err) {
		return ErrNotFound
	}
	return shared.Unavailable(fmt.Sprintf("rbac: load role %d", id), err)
}

// claimRole bumps the role's assignment counter. Inside a transaction the
// write makes any concurrent delete of the same role a write conflict.
func (r *MongoRepository) claimRole(ctx context.Context, id int64) error {
	res, err := r.roles().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"assignments": int64(1)}})
	if err != nil {
		return shared.Unavailable(fmt.Sprintf("rbac: claim role %d", id), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
