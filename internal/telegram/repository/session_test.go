package repository

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"relay_bot/internal/telegram/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoSessionRepositoryGet(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		repo := &MongoSessionRepository{collection: mt.Coll}
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "owner_id", Value: int64(42)},
			{Key: "blob", Value: primitive.Binary{Data: []byte("sealed")}},
			{Key: "encrypted", Value: true},
			{Key: "updated_at", Value: time.Now().UTC()},
		}))

		session, err := repo.Get(context.Background(), 42)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(session.Blob, []byte("sealed")) || !session.Encrypted {
			t.Fatalf("unexpected session: %+v", session)
		}
	})

	mt.Run("not found", func(mt *mtest.T) {
		repo := &MongoSessionRepository{collection: mt.Coll}
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := repo.Get(context.Background(), 42)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestMongoSessionRepositoryPut(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		repo := &MongoSessionRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: primitive.NewObjectID()}}}},
		))

		session := &models.UserSession{OwnerID: 42, Blob: []byte("blob")}
		if err := repo.Put(context.Background(), session); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if session.UpdatedAt.IsZero() {
			t.Fatalf("expected UpdatedAt to be set")
		}

		cmd := mt.GetStartedEvent().Command
		upsert, err := cmd.LookupErr("updates", "0", "upsert")
		if err != nil || !upsert.Boolean() {
			t.Fatalf("expected upsert, command=%s", cmd)
		}
	})

	mt.Run("error", func(mt *mtest.T) {
		repo := &MongoSessionRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    123,
			Name:    "WriteError",
			Message: "mock write failure",
		}))

		err := repo.Put(context.Background(), &models.UserSession{OwnerID: 42})
		if err == nil || !strings.Contains(err.Error(), "failed to save session") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMongoSessionRepositoryDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("missing session", func(mt *mtest.T) {
		repo := &MongoSessionRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		deleted, err := repo.Delete(context.Background(), 42)
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if deleted {
			t.Fatalf("expected nothing deleted")
		}
	})
}
