package rbac

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/odyssey-erp/erp-access/internal/platform/mongo"
)

// TEST_MONGO_URI must point at a replica set; every test gets its own
// database which is dropped afterwards.
func newMongoRepository(t *testing.T) (*MongoRepository, *mongod.Database) {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	name := fmt.Sprintf("rbac_test_%d", time.Now().UnixNano())
	client, database, err := mongo.Connect(ctx, uri, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	require.NoError(t, mongo.Migrate(ctx, database))
	return NewMongoRepository(client, database, 10*time.Second), database
}

func insertMongoIdentity(t *testing.T, database *mongod.Database, email string, roleID *int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := mongo.NextSequence(ctx, database, mongo.UsersCollection)
	require.NoError(t, err)
	_, err = database.Collection(mongo.UsersCollection).InsertOne(ctx, bson.M{
		"_id":           id,
		"email":         email,
		"password_hash": "x",
		"role_id":       roleID,
		"is_active":     true,
		"deleted_at":    nil,
	})
	require.NoError(t, err)
	return id
}

func mongoRoleOf(t *testing.T, database *mongod.Database, identityID int64) *int64 {
	t.Helper()
	var doc struct {
		RoleID *int64 `bson:"role_id"`
	}
	err := database.Collection(mongo.UsersCollection).FindOne(context.Background(), bson.M{"_id": identityID}).Decode(&doc)
	require.NoError(t, err)
	return doc.RoleID
}

func TestMongoRepositoryRoleLifecycle(t *testing.T) {
	repo, database := newMongoRepository(t)
	ctx := context.Background()

	clerk, err := repo.CreateRole(ctx, Role{Name: "Clerk", Permissions: NewMatrix()})
	require.NoError(t, err)
	_, err = repo.CreateRole(ctx, Role{Name: "Clerk", Permissions: NewMatrix()})
	assert.ErrorIs(t, err, ErrDuplicateName)

	clerk.Permissions[ResourceClients] = Permissions{View: true}
	updated, err := repo.UpdateRole(ctx, clerk, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	_, err = repo.UpdateRole(ctx, clerk, 1)
	assert.ErrorIs(t, err, ErrConflict)

	holder := insertMongoIdentity(t, database, "holder@example.com", &clerk.ID)
	_, err = repo.DeleteRole(ctx, clerk.ID, nil)
	assert.ErrorIs(t, err, ErrRoleInUse)
	assert.Equal(t, clerk.ID, *mongoRoleOf(t, database, holder))
}

func TestMongoRepositoryDeleteMovesHolders(t *testing.T) {
	repo, database := newMongoRepository(t)
	ctx := context.Background()

	old, err := repo.CreateRole(ctx, Role{Name: "Old", Permissions: NewMatrix()})
	require.NoError(t, err)
	next, err := repo.CreateRole(ctx, Role{Name: "Next", Permissions: NewMatrix()})
	require.NoError(t, err)
	a := insertMongoIdentity(t, database, "a@example.com", &old.ID)
	b := insertMongoIdentity(t, database, "b@example.com", &old.ID)

	moved, err := repo.DeleteRole(ctx, old.ID, &next.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, moved)
	assert.Equal(t, next.ID, *mongoRoleOf(t, database, a))
	assert.Equal(t, next.ID, *mongoRoleOf(t, database, b))
	_, err = repo.GetRole(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoRepositoryAssignRole(t *testing.T) {
	repo, database := newMongoRepository(t)
	ctx := context.Background()

	role, err := repo.CreateRole(ctx, Role{Name: "Auditor", Permissions: NewMatrix()})
	require.NoError(t, err)
	id := insertMongoIdentity(t, database, "auditor@example.com", nil)

	changed, err := repo.AssignRole(ctx, id, role.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.AssignRole(ctx, id, role.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = repo.AssignRole(ctx, id, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.AssignRole(ctx, 999, role.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoRepositoryAssignRacesDelete(t *testing.T) {
	repo, database := newMongoRepository(t)
	assertAssignRacesDelete(t, repo, func(i int) int64 {
		return insertMongoIdentity(t, database, fmt.Sprintf("race%d@example.com", i), nil)
	}, func(id int64) *int64 {
		return mongoRoleOf(t, database, id)
	})
}
