package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"sheetvault/internal/sv"
)

const (
	uploadsCollection  = "uploads"
	accountsCollection = "accounts"
)

// uploadDocument is the stored shape of an UploadRecord.
type uploadDocument struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	OwnerID       string             `bson:"ownerId"`
	OriginalName  string             `bson:"originalName"`
	ObjectStoreID string             `bson:"objectStoreId"`
	ContentType   string             `bson:"contentType"`
	SizeBytes     int64              `bson:"sizeBytes"`
	Columns       []string           `bson:"columns"`
	SamplePreview []sv.Row           `bson:"samplePreview"`
	TotalRows     int                `bson:"totalRows"`
	InsightText   string             `bson:"insightText"`
	ParsedAt      *time.Time         `bson:"parsedAt"`
	Deleted       bool               `bson:"deleted"`
	DeletedAt     *time.Time         `bson:"deletedAt"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
}

type accountDocument struct {
	ID        string    `bson:"_id"`
	Role      string    `bson:"role"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoDatabase implements sv.MetadataStore and sv.AccountDirectory on MongoDB.
type MongoDatabase struct {
	client   *mongo.Client
	db       *mongo.Database
	uploads  *mongo.Collection
	accounts *mongo.Collection
	clock    sv.Clock
	owned    bool
}

// NewMongoDatabase connects to uri and ensures the indexes exist.
func NewMongoDatabase(ctx context.Context, uri, database string, clock sv.Clock) (*MongoDatabase, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	m, err := NewMongoDatabaseFromClient(ctx, client, database, clock)
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	m.owned = true
	return m, nil
}

// NewMongoDatabaseFromClient wraps an existing client. The caller keeps
// ownership of the client; Close does not disconnect it.
func NewMongoDatabaseFromClient(ctx context.Context, client *mongo.Client, database string, clock sv.Clock) (*MongoDatabase, error) {
	if clock == nil {
		clock = sv.RealClock{}
	}
	db := client.Database(database)
	m := &MongoDatabase{
		client:   client,
		db:       db,
		uploads:  db.Collection(uploadsCollection),
		accounts: db.Collection(accountsCollection),
		clock:    clock,
	}

	_, err := m.uploads.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "deleted", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "objectStoreId", Value: 1}}},
	})
	if err != nil {
		return nil, sv.StorageError("creating upload indexes", err)
	}
	return m, nil
}

// CheckMigrations always succeeds: the collections carry no versioned
// schema and their indexes are ensured on connect.
func (m *MongoDatabase) CheckMigrations() error {
	return nil
}

// Upload operations

func (m *MongoDatabase) Create(ctx context.Context, record *sv.UploadRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	now := m.clock.Now()
	doc := toUploadDocument(record)
	doc.ID = primitive.NewObjectID()
	doc.Deleted = false
	doc.DeletedAt = nil
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if _, err := m.uploads.InsertOne(ctx, doc); err != nil {
		return sv.StorageError("inserting upload record", err)
	}

	record.ID = doc.ID.Hex()
	record.Deleted = false
	record.DeletedAt = nil
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

func (m *MongoDatabase) FindByID(ctx context.Context, id string) (*sv.UploadRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, sv.ErrRecordNotFound
	}
	var doc uploadDocument
	if err := m.uploads.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, sv.ErrRecordNotFound
		}
		return nil, sv.StorageError("finding upload record", err)
	}
	return doc.toRecord(), nil
}

func (m *MongoDatabase) FindByOwner(ctx context.Context, ownerID string, includeDeleted bool) ([]*sv.UploadRecord, error) {
	filter := bson.M{"ownerId": ownerID}
	if !includeDeleted {
		filter["deleted"] = false
	}
	return m.findUploads(ctx, filter)
}

func (m *MongoDatabase) FindAll(ctx context.Context, includeDeleted bool) ([]*sv.UploadRecord, error) {
	filter := bson.M{}
	if !includeDeleted {
		filter["deleted"] = false
	}
	return m.findUploads(ctx, filter)
}

func (m *MongoDatabase) findUploads(ctx context.Context, filter bson.M) ([]*sv.UploadRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := m.uploads.Find(ctx, filter, opts)
	if err != nil {
		return nil, sv.StorageError("querying upload records", err)
	}
	defer cur.Close(ctx)

	var records []*sv.UploadRecord
	for cur.Next(ctx) {
		var doc uploadDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, sv.StorageError("decoding upload record", err)
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, sv.StorageError("iterating upload records", err)
	}
	return records, nil
}

func (m *MongoDatabase) CountByOwner(ctx context.Context, ownerID string, includeDeleted bool) (int, error) {
	filter := bson.M{"ownerId": ownerID}
	if !includeDeleted {
		filter["deleted"] = false
	}
	n, err := m.uploads.CountDocuments(ctx, filter)
	if err != nil {
		return 0, sv.StorageError("counting upload records", err)
	}
	return int(n), nil
}

// SoftDelete is a single FindOneAndUpdate conditioned on deleted=false.
func (m *MongoDatabase) SoftDelete(ctx context.Context, id string, at time.Time) (*sv.UploadRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, sv.ErrRecordNotFound
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc uploadDocument
	err = m.uploads.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "deleted": false},
		bson.M{"$set": bson.M{"deleted": true, "deletedAt": at, "updatedAt": at}},
		opts,
	).Decode(&doc)
	if err == nil {
		return doc.toRecord(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, sv.StorageError("soft-deleting upload record", err)
	}

	n, err := m.uploads.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return nil, sv.StorageError("checking upload record", err)
	}
	if n == 0 {
		return nil, sv.ErrRecordNotFound
	}
	return nil, sv.ErrAlreadyDeleted
}

func (m *MongoDatabase) HardDelete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return sv.ErrRecordNotFound
	}
	res, err := m.uploads.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return sv.StorageError("deleting upload record", err)
	}
	if res.DeletedCount == 0 {
		return sv.ErrRecordNotFound
	}
	return nil
}

func (m *MongoDatabase) UpdateInsight(ctx context.Context, id string, text string, at time.Time) (*sv.UploadRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, sv.ErrRecordNotFound
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc uploadDocument
	err = m.uploads.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"insightText": text, "updatedAt": at}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, sv.ErrRecordNotFound
		}
		return nil, sv.StorageError("updating insight", err)
	}
	return doc.toRecord(), nil
}

// Account operations

func (m *MongoDatabase) RoleOf(ctx context.Context, accountID string) (sv.Role, error) {
	var doc accountDocument
	if err := m.accounts.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", sv.ErrAccountNotFound
		}
		return "", sv.StorageError("finding account", err)
	}
	return sv.Role(doc.Role), nil
}

func (m *MongoDatabase) PutAccount(ctx context.Context, account *sv.Account) error {
	if strings.TrimSpace(account.ID) == "" {
		return &sv.ValidationError{Field: "id", Reason: "required"}
	}
	if !account.Role.Valid() {
		return &sv.ValidationError{Field: "role", Reason: "unknown role " + string(account.Role)}
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.clock.Now()
	}
	_, err := m.accounts.UpdateOne(ctx,
		bson.M{"_id": account.ID},
		bson.M{
			"$set":         bson.M{"role": string(account.Role)},
			"$setOnInsert": bson.M{"createdAt": account.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return sv.StorageError("storing account", err)
	}
	return nil
}

func (m *MongoDatabase) ListAccounts(ctx context.Context) ([]*sv.Account, error) {
	cur, err := m.accounts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, sv.StorageError("listing accounts", err)
	}
	defer cur.Close(ctx)

	var accounts []*sv.Account
	for cur.Next(ctx) {
		var doc accountDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, sv.StorageError("decoding account", err)
		}
		accounts = append(accounts, &sv.Account{ID: doc.ID, Role: sv.Role(doc.Role), CreatedAt: doc.CreatedAt})
	}
	if err := cur.Err(); err != nil {
		return nil, sv.StorageError("iterating accounts", err)
	}
	return accounts, nil
}

// Ping checks the primary is reachable.
func (m *MongoDatabase) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return sv.StorageError("pinging mongo", err)
	}
	return nil
}

// Close disconnects the client if this store created it.
func (m *MongoDatabase) Close() error {
	if !m.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func toUploadDocument(r *sv.UploadRecord) *uploadDocument {
	doc := &uploadDocument{
		OwnerID:       r.OwnerID,
		OriginalName:  r.OriginalName,
		ObjectStoreID: r.ObjectStoreID,
		ContentType:   r.ContentType,
		SizeBytes:     r.SizeBytes,
		Columns:       r.Columns,
		SamplePreview: r.SamplePreview,
		TotalRows:     r.TotalRows,
		InsightText:   r.InsightText,
		ParsedAt:      r.ParsedAt,
		Deleted:       r.Deleted,
		DeletedAt:     r.DeletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if doc.Columns == nil {
		doc.Columns = []string{}
	}
	if doc.SamplePreview == nil {
		doc.SamplePreview = []sv.Row{}
	}
	if oid, err := primitive.ObjectIDFromHex(r.ID); err == nil {
		doc.ID = oid
	}
	return doc
}

func (d *uploadDocument) toRecord() *sv.UploadRecord {
	r := &sv.UploadRecord{
		ID:            d.ID.Hex(),
		OwnerID:       d.OwnerID,
		OriginalName:  d.OriginalName,
		ObjectStoreID: d.ObjectStoreID,
		ContentType:   d.ContentType,
		SizeBytes:     d.SizeBytes,
		Columns:       d.Columns,
		SamplePreview: d.SamplePreview,
		TotalRows:     d.TotalRows,
		InsightText:   d.InsightText,
		ParsedAt:      d.ParsedAt,
		Deleted:       d.Deleted,
		DeletedAt:     d.DeletedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if len(r.Columns) == 0 {
		r.Columns = nil
	}
	if len(r.SamplePreview) == 0 {
		r.SamplePreview = nil
	}
	return r
}

// Compile-time checks that MongoDatabase implements the core interfaces
var (
	_ sv.MetadataStore    = (*MongoDatabase)(nil)
	_ sv.AccountDirectory = (*MongoDatabase)(nil)
)
