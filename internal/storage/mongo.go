package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/foxzi/smsqueue/internal/models"
)

const (
	collCampaigns           = "campaigns"
	collMessages            = "messages"
	collContacts            = "contacts"
	collProviders           = "providers"
	collRateDeckAssignments = "rate_deck_assignments"
	collRates               = "rates"
	collProviderAssignments = "provider_assignments"
	collBlacklist           = "blacklisted_numbers"
)

// maxUpdateAttempts bounds optimistic retries of UpdateCampaign
const maxUpdateAttempts = 10

// ErrConflict is returned when an optimistic update keeps losing races
var ErrConflict = errors.New("concurrent update conflict")

// MongoOptions configures the MongoDB store
type MongoOptions struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// MongoStore implements Store on MongoDB
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and ensures the indexes exist
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(opts.URI).SetTimeout(opts.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(opts.Database),
	}
	if err := s.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collMessages: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "campaign_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "provider_message_id", Value: 1}}},
		},
		collContacts: {
			{Keys: bson.D{{Key: "list_id", Value: 1}, {Key: "_id", Value: 1}}},
		},
		collBlacklist: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "phone_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collRates: {
			{Keys: bson.D{{Key: "rate_deck_id", Value: 1}, {Key: "country", Value: 1}}},
		},
	}

	for coll, idx := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Campaigns

func (s *MongoStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	if err := s.findOne(ctx, collCampaigns, bson.M{"_id": id}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	return s.upsert(ctx, collCampaigns, c.ID, c)
}

func (s *MongoStore) ListCampaigns(ctx context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error) {
	filter := bson.M{}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}

	var campaigns []*models.Campaign
	if err := s.findAll(ctx, collCampaigns, filter, nil, &campaigns); err != nil {
		return nil, err
	}
	return campaigns, nil
}

// UpdateCampaign reads, mutates and conditionally updates the campaign on
// its version, retrying when another writer got there first.
func (s *MongoStore) UpdateCampaign(ctx context.Context, id string, mutate func(c *models.Campaign) bool) (bool, error) {
	coll := s.db.Collection(collCampaigns)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		c, err := s.GetCampaign(ctx, id)
		if err != nil {
			return false, err
		}
		version := c.Version
		if !mutate(c) {
			return false, nil
		}

		update, err := campaignUpdateDoc(c)
		if err != nil {
			return false, fmt.Errorf("failed to encode campaign %s: %w", id, err)
		}
		res, err := coll.UpdateOne(ctx, campaignVersionFilter(id, version), update)
		if err != nil {
			return false, fmt.Errorf("failed to update campaign %s: %w", id, err)
		}
		if res.MatchedCount == 1 {
			c.Version = version + 1
			return true, nil
		}
	}

	return false, fmt.Errorf("campaign %s: %w", id, ErrConflict)
}

// campaignOptionalFields are omitted when empty and must be unset explicitly
var campaignOptionalFields = []string{"name", "sender_id", "completed_at", "billing_pending"}

// campaignVersionFilter matches the campaign at version; documents written
// without a version count as version zero
func campaignVersionFilter(id string, version int64) bson.M {
	if version == 0 {
		return bson.M{"_id": id, "$or": bson.A{
			bson.M{"version": 0},
			bson.M{"version": bson.M{"$exists": false}},
		}}
	}
	return bson.M{"_id": id, "version": version}
}

// campaignUpdateDoc sets the known campaign fields and bumps the version,
// leaving fields this store does not know about untouched
func campaignUpdateDoc(c *models.Campaign) (bson.M, error) {
	raw, err := bson.Marshal(c)
	if err != nil {
		return nil, err
	}
	set := bson.M{}
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, err
	}
	delete(set, "_id")
	delete(set, "version")

	doc := bson.M{
		"$set": set,
		"$inc": bson.M{"version": 1},
	}

	unset := bson.M{}
	for _, field := range campaignOptionalFields {
		if _, ok := set[field]; !ok {
			unset[field] = ""
		}
	}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc, nil
}

// Messages

func (s *MongoStore) InsertMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		docs = append(docs, msg)
	}
	if _, err := s.db.Collection(collMessages).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert messages: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := s.findOne(ctx, collMessages, bson.M{"_id": id}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MongoStore) FindMessageByProviderRef(ctx context.Context, providerID, providerMessageID string) (*models.Message, error) {
	var msg models.Message
	filter := bson.M{"provider_id": providerID, "provider_message_id": providerMessageID}
	if err := s.findOne(ctx, collMessages, filter, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	var messages []*models.Message
	if err := s.findAll(ctx, collMessages, messageFilterDoc(filter), opts, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *MongoStore) ListEligibleMessages(ctx context.Context, q EligibleQuery) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	var messages []*models.Message
	if err := s.findAll(ctx, collMessages, eligibleFilterDoc(q), opts, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *MongoStore) TransitionMessage(ctx context.Context, id string, from models.MessageStatus, upd MessageUpdate) (*models.Message, error) {
	coll := s.db.Collection(collMessages)
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg models.Message
	err := coll.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, messageUpdateDoc(upd), opts).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, countErr := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
		if countErr != nil {
			return nil, countErr
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition message %s: %w", id, err)
	}
	return &msg, nil
}

func (s *MongoStore) TransitionCampaignMessages(ctx context.Context, campaignID string, from, to models.MessageStatus, now time.Time) (int, error) {
	res, err := s.db.Collection(collMessages).UpdateMany(ctx,
		bson.M{"campaign_id": campaignID, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to transition campaign messages: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) AggregateMessages(ctx context.Context, campaignID string) (*Aggregate, error) {
	cursor, err := s.db.Collection(collMessages).Aggregate(ctx, aggregatePipeline(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate messages: %w", err)
	}
	defer cursor.Close(ctx)

	agg := NewAggregate()
	for cursor.Next(ctx) {
		var row struct {
			Status models.MessageStatus `bson:"_id"`
			Count  int                  `bson:"count"`
			Cost   float64              `bson:"cost"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		agg.Counts[row.Status] = row.Count
		if row.Status == models.StatusDelivered {
			agg.DeliveredCost = row.Cost
		}
	}
	return agg, cursor.Err()
}

func (s *MongoStore) CampaignContactIDs(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	values, err := s.db.Collection(collMessages).Distinct(ctx, "contact_id", bson.M{"campaign_id": campaignID})
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign contacts: %w", err)
	}
	ids := make(map[string]struct{}, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// Contacts

func (s *MongoStore) SaveContact(ctx context.Context, c *models.Contact) error {
	return s.upsert(ctx, collContacts, c.ID, c)
}

func (s *MongoStore) ListContacts(ctx context.Context, listID, afterID string, limit int) ([]*models.Contact, error) {
	filter := bson.M{"list_id": listID}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	var contacts []*models.Contact
	if err := s.findAll(ctx, collContacts, filter, opts, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (s *MongoStore) CountContacts(ctx context.Context, listID string) (int, error) {
	n, err := s.db.Collection(collContacts).CountDocuments(ctx, bson.M{"list_id": listID})
	if err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}
	return int(n), nil
}

// Providers

func (s *MongoStore) SaveProvider(ctx context.Context, p *models.Provider) error {
	return s.upsert(ctx, collProviders, p.ID, p)
}

func (s *MongoStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var p models.Provider
	if err := s.findOne(ctx, collProviders, bson.M{"_id": id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	var providers []*models.Provider
	if err := s.findAll(ctx, collProviders, bson.M{}, nil, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// Pricing and access

func (s *MongoStore) SaveRateDeckAssignment(ctx context.Context, a *models.RateDeckAssignment) error {
	return s.upsert(ctx, collRateDeckAssignments, a.ID, a)
}

func (s *MongoStore) ActiveRateDeckAssignment(ctx context.Context, userID string) (*models.RateDeckAssignment, error) {
	var a models.RateDeckAssignment
	opts := options.FindOne().SetSort(bson.D{{Key: "assigned_at", Value: -1}})
	err := s.db.Collection(collRateDeckAssignments).FindOne(ctx, bson.M{"user_id": userID, "active": true}, opts).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) SaveRate(ctx context.Context, r *models.Rate) error {
	return s.upsert(ctx, collRates, r.ID, r)
}

func (s *MongoStore) FindRate(ctx context.Context, rateDeckID, country string) (*models.Rate, error) {
	var r models.Rate
	filter := bson.M{
		"rate_deck_id": rateDeckID,
		"country":      primitive.Regex{Pattern: "^" + regexp.QuoteMeta(country) + "$", Options: "i"},
	}
	if err := s.findOne(ctx, collRates, filter, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *MongoStore) SaveProviderAssignment(ctx context.Context, a *models.ProviderAssignment) error {
	return s.upsert(ctx, collProviderAssignments, a.ID, a)
}

func (s *MongoStore) HasProviderAssignment(ctx context.Context, userID, providerID string) (bool, error) {
	n, err := s.db.Collection(collProviderAssignments).CountDocuments(ctx,
		bson.M{"user_id": userID, "provider_id": providerID, "active": true},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("failed to check provider assignment: %w", err)
	}
	return n > 0, nil
}

// Blacklist

func (s *MongoStore) SaveBlacklistedNumber(ctx context.Context, b *models.BlacklistedNumber) error {
	b.PhoneNumber = models.NormalizeNumber(b.PhoneNumber)
	if b.ID == "" {
		b.ID = b.UserID + "/" + b.PhoneNumber
	}
	return s.upsert(ctx, collBlacklist, b.ID, b)
}

func (s *MongoStore) BlacklistedNumbers(ctx context.Context, userID string, numbers []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(numbers) == 0 {
		return found, nil
	}

	var entries []models.BlacklistedNumber
	filter := bson.M{"user_id": userID, "phone_number": bson.M{"$in": blacklistCandidates(numbers)}}
	opts := options.Find().SetProjection(bson.M{"phone_number": 1})
	if err := s.findAll(ctx, collBlacklist, filter, opts, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		found[models.NormalizeNumber(e.PhoneNumber)] = true
	}
	return found, nil
}

// blacklistCandidates also matches entries written in E.164 form by other
// writers of the collection
func blacklistCandidates(numbers []string) []string {
	out := make([]string, 0, 2*len(numbers))
	for _, n := range numbers {
		out = append(out, n, "+"+n)
	}
	return out
}

// helpers

func (s *MongoStore) findOne(ctx context.Context, coll string, filter any, out any) error {
	err := s.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) findAll(ctx context.Context, coll string, filter any, opts *options.FindOptions, out any) error {
	findOpts := []*options.FindOptions{}
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cursor, err := s.db.Collection(coll).Find(ctx, filter, findOpts...)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", coll, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", coll, err)
	}
	return nil
}

func (s *MongoStore) upsert(ctx context.Context, coll, id string, doc any) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", coll, id, err)
	}
	return nil
}

// messageUpdateDoc renders a MessageUpdate as an update document
func messageUpdateDoc(upd MessageUpdate) bson.M {
	set := bson.M{
		"status":     upd.Status,
		"updated_at": upd.UpdatedAt,
	}
	if upd.RetryCount != nil {
		set["retry_count"] = *upd.RetryCount
	}
	if upd.ErrorMessage != nil {
		set["error_message"] = *upd.ErrorMessage
	}
	if upd.ProviderMessageID != "" {
		set["provider_message_id"] = upd.ProviderMessageID
	}
	if upd.ProviderResponse != "" {
		set["provider_response"] = upd.ProviderResponse
	}
	if upd.SentAt != nil {
		set["sent_at"] = *upd.SentAt
	}
	if upd.DeliveredAt != nil {
		set["delivered_at"] = *upd.DeliveredAt
	}
	if upd.FailedAt != nil {
		set["failed_at"] = *upd.FailedAt
	}

	doc := bson.M{"$set": set}
	if upd.IncRetry && upd.RetryCount == nil {
		doc["$inc"] = bson.M{"retry_count": 1}
	}
	return doc
}

func messageFilterDoc(f MessageFilter) bson.M {
	filter := bson.M{}
	if f.CampaignID != "" {
		filter["campaign_id"] = f.CampaignID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if !f.UpdatedBefore.IsZero() {
		filter["updated_at"] = bson.M{"$lt": f.UpdatedBefore}
	}
	if f.MinRetryCount > 0 {
		filter["retry_count"] = bson.M{"$gte": f.MinRetryCount}
	}
	return filter
}

func eligibleFilterDoc(q EligibleQuery) bson.M {
	campaignIDs := q.CampaignIDs
	if campaignIDs == nil {
		campaignIDs = []string{}
	}

	return bson.M{
		"status": models.StatusQueued,
		"$expr":  bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"campaign_id": ""},
				bson.M{"campaign_id": bson.M{"$in": campaignIDs}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"retry_count": 0},
				bson.M{"updated_at": bson.M{"$lt": q.RetryBefore}},
			}},
		},
	}
}

func aggregatePipeline(campaignID string) mongo.Pipeline {
	pipeline := mongo.Pipeline{}
	if campaignID != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{{Key: "campaign_id", Value: campaignID}}}})
	}
	return append(pipeline, bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: "$status"},
		{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		{Key: "cost", Value: bson.D{{Key: "$sum", Value: "$cost"}}},
	}}})
}
