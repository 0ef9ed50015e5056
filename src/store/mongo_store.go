package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	cm "github.com/huddlemesh/huddle/src/common"
)

const mongoConnectTimeout = 10 * time.Second

// MongoStore persists rooms and messages in MongoDB. It is selected by the
// mongo configuration option, for deployments where history must be shared
// with other services.
type MongoStore struct {
	client   *mongo.Client
	rooms    *mongo.Collection
	messages *mongo.Collection
}

// NewMongoStore connects to the MongoDB deployment at url and uses the given
// database name.
func NewMongoStore(url, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return nil, err
	}

	db := client.Database(database)

	return &MongoStore{
		client:   client,
		rooms:    db.Collection("rooms"),
		messages: db.Collection("messages"),
	}, nil
}

// CreateRoom implements the Store interface.
func (s *MongoStore) CreateRoom(ctx context.Context, name, hostID string) (*Room, error) {
	room := &Room{
		ID:        uuid.NewString(),
		Name:      name,
		HostID:    hostID,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.rooms.InsertOne(ctx, room); err != nil {
		return nil, err
	}

	return room, nil
}

// GetRoom implements the Store interface.
func (s *MongoStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	room := new(Room)

	err := s.rooms.FindOne(ctx, bson.M{"id": id}).Decode(room)
	if err == mongo.ErrNoDocuments {
		return nil, cm.NewStoreErr("Room", cm.KeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	return room, nil
}

// SaveMessage implements the Store interface.
func (s *MongoStore) SaveMessage(ctx context.Context, roomID, userID, userName, content string) (*Message, error) {
	message := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := s.messages.InsertOne(ctx, message); err != nil {
		return nil, err
	}

	return message, nil
}

// RoomMessages implements the Store interface.
func (s *MongoStore) RoomMessages(ctx context.Context, roomID string) ([]*Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdat", Value: 1}})

	cursor, err := s.messages.Find(ctx, bson.M{"roomid": roomID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := []*Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// Close implements the Store interface.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()

	return s.client.Disconnect(ctx)
}
