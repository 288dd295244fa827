package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tokend/internal/domain/models"
	"tokend/internal/storage"
)

type Storage struct {
	client    *mongo.Client
	database  *mongo.Database
	users     *mongo.Collection
	tokens    *mongo.Collection
	families  *mongo.Collection
	retention time.Duration
}

type userDoc struct {
	ID                 string   `bson:"_id"`
	Username           string   `bson:"username"`
	NormalizedUsername string   `bson:"normalized_username"`
	PassHash           []byte   `bson:"pass_hash"`
	Scopes             []string `bson:"scopes"`
	Roles              []string `bson:"roles"`
}

type tokenDoc struct {
	ID            string     `bson:"_id"`
	FamilyID      string     `bson:"family_id"`
	Subject       string     `bson:"subject"`
	Scopes        []string   `bson:"scopes"`
	IssuedAt      time.Time  `bson:"issued_at"`
	ExpiresAt     time.Time  `bson:"expires_at"`
	Status        string     `bson:"status"`
	PredecessorID string     `bson:"predecessor_id"`
	SuccessorID   string     `bson:"successor_id"`
	AccessTokenID string     `bson:"access_token_id"`
	RevokedAt     *time.Time `bson:"revoked_at,omitempty"`
	PurgeAt       time.Time  `bson:"purge_at"`
}

type familyDoc struct {
	ID        string    `bson:"_id"`
	RevokedAt time.Time `bson:"revoked_at"`
	PurgeAt   time.Time `bson:"purge_at"`
}

// New connects to MongoDB. Records are purged by the server retention after they expire.
func New(ctx context.Context, uri, database string, retention time.Duration) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	return &Storage{
		client:    client,
		database:  db,
		users:     db.Collection("users"),
		tokens:    db.Collection("refresh_tokens"),
		families:  db.Collection("refresh_token_families"),
		retention: retention,
	}, nil
}

// EnsureIndexes creates the unique and TTL indexes the storage relies on.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	const op = "storage.mongodb.EnsureIndexes"

	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "normalized_username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%s: users.normalized_username: %w", op, err)
	}

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "family_id", Value: 1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "purge_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("%s: refresh_tokens: %w", op, err)
	}

	_, err = s.families.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "purge_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("%s: refresh_token_families: %w", op, err)
	}

	return nil
}

func (s *Storage) Put(ctx context.Context, rec models.RefreshToken) error {
	const op = "storage.mongodb.Put"

	doc := s.toDoc(rec)
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrDuplicateIdentifier)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	// A revocation that ran before the insert stamped the family; one that runs
	// after it will reach the new member itself.
	var fam familyDoc
	err := s.families.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: rec.FamilyID}},
		bson.D{{Key: "$max", Value: bson.D{{Key: "purge_at", Value: doc.PurgeAt}}}},
	).Decode(&fam)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: family: %w", op, err)
	}

	_, err = s.tokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: rec.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(models.StatusRevoked)},
			{Key: "revoked_at", Value: fam.RevokedAt},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: revoke member: %w", op, err)
	}

	return fmt.Errorf("%s: %w", op, storage.ErrRevoked)
}

func (s *Storage) Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error) {
	const op = "storage.mongodb.Redeem"

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(models.StatusActive)},
		{Key: "revoked_at", Value: nil},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(models.StatusRedeemed)},
		{Key: "successor_id", Value: successorID},
	}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var doc tokenDoc
	err := s.tokens.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return fromDoc(doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := storage.Classify(cur, now); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.RefreshToken{}, fmt.Errorf("%s: token %s changed concurrently", op, id)
}

func (s *Storage) Revoke(ctx context.Context, id string, now time.Time) error {
	const op = "storage.mongodb.Revoke"

	rec, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.families.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: rec.FamilyID}},
		bson.D{
			{Key: "$setOnInsert", Value: bson.D{{Key: "revoked_at", Value: now}}},
			{Key: "$max", Value: bson.D{{Key: "purge_at", Value: rec.ExpiresAt.Add(s.retention)}}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: family: %w", op, err)
	}

	_, err = s.tokens.UpdateMany(ctx,
		bson.D{{Key: "family_id", Value: rec.FamilyID}, {Key: "status", Value: string(models.StatusActive)}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(models.StatusRevoked)}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: members: %w", op, err)
	}

	_, err = s.tokens.UpdateMany(ctx,
		bson.D{{Key: "family_id", Value: rec.FamilyID}, {Key: "revoked_at", Value: nil}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: now}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: members: %w", op, err)
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, id string) (models.RefreshToken, error) {
	const op = "storage.mongodb.Get"

	var doc tokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	return fromDoc(doc), nil
}

func (s *Storage) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const op = "storage.mongodb.DeleteExpired"

	res, err := s.tokens.DeleteMany(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: before}}}})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.DeletedCount, nil
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:                 user.ID,
		Username:           user.Username,
		NormalizedUsername: user.NormalizedUsername,
		PassHash:           user.PassHash,
		Scopes:             user.Scopes,
		Roles:              user.Roles,
	}

	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) UserByUsername(ctx context.Context, normalized string) (models.User, error) {
	const op = "storage.mongodb.UserByUsername"

	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "normalized_username", Value: normalized}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.User{
		ID:                 doc.ID,
		Username:           doc.Username,
		NormalizedUsername: doc.NormalizedUsername,
		PassHash:           doc.PassHash,
		Scopes:             doc.Scopes,
		Roles:              doc.Roles,
	}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *Storage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

func (s *Storage) toDoc(rec models.RefreshToken) tokenDoc {
	return tokenDoc{
		ID:            rec.ID,
		FamilyID:      rec.FamilyID,
		Subject:       rec.Subject,
		Scopes:        rec.Scopes,
		IssuedAt:      rec.IssuedAt,
		ExpiresAt:     rec.ExpiresAt,
		Status:        string(models.StatusActive),
		PredecessorID: rec.PredecessorID,
		AccessTokenID: rec.AccessTokenID,
		PurgeAt:       rec.ExpiresAt.Add(s.retention),
	}
}

func fromDoc(doc tokenDoc) models.RefreshToken {
	rec := models.RefreshToken{
		ID:            doc.ID,
		FamilyID:      doc.FamilyID,
		Subject:       doc.Subject,
		Scopes:        doc.Scopes,
		IssuedAt:      doc.IssuedAt.UTC(),
		ExpiresAt:     doc.ExpiresAt.UTC(),
		Status:        models.TokenStatus(doc.Status),
		PredecessorID: doc.PredecessorID,
		SuccessorID:   doc.SuccessorID,
		AccessTokenID: doc.AccessTokenID,
	}
	if doc.RevokedAt != nil {
		at := doc.RevokedAt.UTC()
		rec.RevokedAt = &at
	}
	return rec
}
