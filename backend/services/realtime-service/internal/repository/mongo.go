package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	readTimeout  = 5 * time.Second
	writeTimeout = 3 * time.Second
)

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

type MongoStore struct {
	db        *mongo.Database
	companies *mongo.Collection
	users     *mongo.Collection
	chats     *mongo.Collection
	messages  *mongo.Collection
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		db:        db,
		companies: db.Collection("companies"),
		users:     db.Collection("users"),
		chats:     db.Collection("chats"),
		messages:  db.Collection("chat_messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "company_id", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := s.chats.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// one chat per unordered pair inside a company
		{Keys: bson.D{{Key: "company_id", Value: 1}, {Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participant_ids", Value: 1}, {Key: "updated_at", Value: -1}}},
	}); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "read", Value: 1}, {Key: "sender_id", Value: 1}}},
		{Keys: bson.D{{Key: "sender_id", Value: 1}}},
	})
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *MongoStore) UpsertCompany(ctx context.Context, c *Company) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := s.companies.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetCompany(ctx context.Context, id string) (*Company, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var c Company
	if err := s.companies.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err, "company "+id)
	}
	return &c, nil
}

// UpsertUser keeps the stored last_seen when it is newer than u.LastSeen.
func (s *MongoStore) UpsertUser(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"company_id": u.CompanyID,
			"name":       u.Name,
			"email":      NormalizeEmail(u.Email),
			"role":       u.Role,
		},
		"$setOnInsert": bson.M{"created_at": u.CreatedAt},
	}
	if !u.LastSeen.IsZero() {
		update["$max"] = bson.M{"last_seen": u.LastSeen}
	}
	_, err := s.users.UpdateByID(ctx, u.ID, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var u User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err, "user "+id)
	}
	return &u, nil
}

func (s *MongoStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var u User
	if err := s.users.FindOne(ctx, bson.M{"email": NormalizeEmail(email)}).Decode(&u); err != nil {
		return nil, notFound(err, "user "+email)
	}
	return &u, nil
}

func (s *MongoStore) ListUsersByCompany(ctx context.Context, companyID string) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	cur, err := s.users.Find(ctx, bson.M{"company_id": companyID}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []User{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	res, err := s.users.UpdateByID(ctx, userID, bson.M{"$max": bson.M{"last_seen": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) InsertChatIfAbsent(ctx context.Context, c *Chat) (*Chat, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	filter := bson.M{"company_id": c.CompanyID, "pair_key": c.PairKey}
	upsert := func() (*mongo.UpdateResult, error) {
		return s.chats.UpdateOne(ctx, filter, bson.M{"$setOnInsert": c}, options.Update().SetUpsert(true))
	}
	res, err := upsert()
	// two concurrent upserts on a unique index can race; the loser retries
	// and matches the winner's document
	if mongo.IsDuplicateKeyError(err) {
		res, err = upsert()
	}
	if err != nil {
		return nil, false, err
	}
	var stored Chat
	if err := s.chats.FindOne(ctx, filter).Decode(&stored); err != nil {
		return nil, false, notFound(err, "chat "+c.PairKey)
	}
	return &stored, res.UpsertedCount == 1, nil
}

func (s *MongoStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var c Chat
	if err := s.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err, "chat "+id)
	}
	return &c, nil
}

func (s *MongoStore) ListChatsForUser(ctx context.Context, userID string, limit int) ([]Chat, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.chats.Find(ctx, bson.M{"participant_ids": userID}, opts)
	if err != nil {
		return nil, err
	}
	out := []Chat{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, m *Message) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var c Chat
	err := s.chats.FindOneAndUpdate(ctx,
		bson.M{"_id": m.ChatID},
		bson.M{"$inc": bson.M{"last_seq": 1}, "$max": bson.M{"updated_at": m.Timestamp}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return nil, notFound(err, "chat "+m.ChatID)
	}
	stored := *m
	stored.Seq = c.LastSeq
	if _, err := s.messages.InsertOne(ctx, stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"chat_id": chatID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []Message{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) LastMessage(ctx context.Context, chatID string) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	var m Message
	err := s.messages.FindOne(ctx, bson.M{"chat_id": chatID}, options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(&m)
	if err != nil {
		return nil, notFound(err, "last message of "+chatID)
	}
	return &m, nil
}

func (s *MongoStore) CountUnread(ctx context.Context, chatIDs []string, readerID string) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return s.messages.CountDocuments(ctx, bson.M{
		"chat_id":   bson.M{"$in": chatIDs},
		"sender_id": bson.M{"$ne": readerID},
		"read":      false,
		"deleted":   false,
	})
}

func (s *MongoStore) MarkRead(ctx context.Context, chatID, readerID string, upTo *Message) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := s.chats.UpdateOne(ctx,
		bson.M{
			"_id":          chatID,
			"participants": bson.M{"$elemMatch": bson.M{"user_id": readerID, "last_read_seq": bson.M{"$lt": upTo.Seq}}},
		},
		bson.M{"$set": bson.M{
			"participants.$.last_read_message_id": upTo.ID,
			"participants.$.last_read_seq":        upTo.Seq,
		}},
	)
	if err != nil {
		return 0, err
	}
	res, err := s.messages.UpdateMany(ctx,
		bson.M{"chat_id": chatID, "sender_id": bson.M{"$ne": readerID}, "read": false, "seq": bson.M{"$lte": upTo.Seq}},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// WithTransaction needs a replica set or sharded cluster.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, mongoTx{s})
	})
	return err
}

type mongoTx struct{ s *MongoStore }

func (t mongoTx) TombstoneMessagesBy(ctx context.Context, userID string) (int64, error) {
	res, err := t.s.messages.UpdateMany(ctx,
		bson.M{"sender_id": userID, "deleted": false},
		bson.M{"$set": bson.M{"content": "", "deleted": true, "read": true}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (t mongoTx) RemoveParticipant(ctx context.Context, userID string) (int64, error) {
	res, err := t.s.chats.UpdateMany(ctx,
		bson.M{"participant_ids": userID},
		bson.M{"$pull": bson.M{
			"participants":    bson.M{"user_id": userID},
			"participant_ids": userID,
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (t mongoTx) DeleteUser(ctx context.Context, userID string) error {
	res, err := t.s.users.DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}
