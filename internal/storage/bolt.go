package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/smsqueue/internal/models"
)

var (
	bucketCampaigns           = []byte("campaigns")
	bucketMessages            = []byte("messages")
	bucketMsgByStatus         = []byte("messages_by_status")
	bucketMsgByCampaign       = []byte("messages_by_campaign")
	bucketMsgByProviderRef    = []byte("messages_by_provider_ref")
	bucketContacts            = []byte("contacts")
	bucketContactsByList      = []byte("contacts_by_list")
	bucketProviders           = []byte("providers")
	bucketRateDeckAssignments = []byte("rate_deck_assignments")
	bucketRates               = []byte("rates")
	bucketProviderAssignments = []byte("provider_assignments")
	bucketBlacklist           = []byte("blacklisted_numbers")

	allBuckets = [][]byte{
		bucketCampaigns, bucketMessages, bucketMsgByStatus, bucketMsgByCampaign,
		bucketMsgByProviderRef, bucketContacts, bucketContactsByList, bucketProviders,
		bucketRateDeckAssignments, bucketRates, bucketProviderAssignments, bucketBlacklist,
	}
)

// indexTimeFormat is fixed width so index keys sort chronologically
const indexTimeFormat = "20060102150405.000000000"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB store at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Campaigns

func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCampaigns), id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCampaigns), c.ID, c)
	})
}

func (s *BoltStore) ListCampaigns(ctx context.Context, statuses ...models.CampaignStatus) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c models.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if len(statuses) > 0 && !containsStatus(statuses, c.Status) {
				return nil
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	return campaigns, err
}

func (s *BoltStore) UpdateCampaign(ctx context.Context, id string, mutate func(c *models.Campaign) bool) (bool, error) {
	written := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		var c models.Campaign
		if err := getJSON(bucket, id, &c); err != nil {
			return err
		}
		if !mutate(&c) {
			return nil
		}
		c.Version++
		written = true
		return putJSON(bucket, c.ID, &c)
	})
	return written, err
}

// Messages

func (s *BoltStore) InsertMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, msg := range msgs {
			if err := putMessage(tx, nil, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		msg, err = getMessage(tx, id)
		return err
	})
	return msg, err
}

func (s *BoltStore) FindMessageByProviderRef(ctx context.Context, providerID, providerMessageID string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketMsgByProviderRef).Get([]byte(providerID + "/" + providerMessageID))
		if id == nil {
			return ErrNotFound
		}
		var err error
		msg, err = getMessage(tx, string(id))
		return err
	})
	return msg, err
}

func (s *BoltStore) ListMessages(ctx context.Context, filter MessageFilter) ([]*models.Message, error) {
	var messages []*models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		skipped := 0
		visit := func(msg *models.Message) bool {
			if !filter.Matches(msg) {
				return true
			}
			if skipped < filter.Offset {
				skipped++
				return true
			}
			messages = append(messages, msg)
			return filter.Limit <= 0 || len(messages) < filter.Limit
		}

		switch {
		case filter.Status != "":
			return scanIndex(tx, bucketMsgByStatus, string(filter.Status), visit)
		case filter.CampaignID != "":
			return scanIndex(tx, bucketMsgByCampaign, filter.CampaignID, visit)
		default:
			c := tx.Bucket(bucketMessages).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var msg models.Message
				if err := json.Unmarshal(v, &msg); err != nil {
					continue
				}
				if !visit(&msg) {
					break
				}
			}
			return nil
		}
	})

	return messages, err
}

func (s *BoltStore) ListEligibleMessages(ctx context.Context, q EligibleQuery) ([]*models.Message, error) {
	sending := make(map[string]struct{}, len(q.CampaignIDs))
	for _, id := range q.CampaignIDs {
		sending[id] = struct{}{}
	}

	var messages []*models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanIndex(tx, bucketMsgByStatus, string(models.StatusQueued), func(msg *models.Message) bool {
			if msg.RetryCount >= msg.MaxRetries {
				return true
			}
			if msg.CampaignID != "" {
				if _, ok := sending[msg.CampaignID]; !ok {
					return true
				}
			}
			if msg.RetryCount > 0 && !msg.UpdatedAt.Before(q.RetryBefore) {
				return true
			}
			messages = append(messages, msg)
			return q.Limit <= 0 || len(messages) < q.Limit
		})
	})
	return messages, err
}

func (s *BoltStore) TransitionMessage(ctx context.Context, id string, from models.MessageStatus, upd MessageUpdate) (*models.Message, error) {
	var updated *models.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return nil
		}

		next := *current
		upd.Apply(&next)
		if err := putMessage(tx, current, &next); err != nil {
			return err
		}
		updated = &next
		return nil
	})

	return updated, err
}

func (s *BoltStore) TransitionCampaignMessages(ctx context.Context, campaignID string, from, to models.MessageStatus, now time.Time) (int, error) {
	moved := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var matched []*models.Message
		err := scanIndex(tx, bucketMsgByCampaign, campaignID, func(msg *models.Message) bool {
			if msg.Status == from {
				matched = append(matched, msg)
			}
			return true
		})
		if err != nil {
			return err
		}

		for _, current := range matched {
			next := *current
			next.Status = to
			next.UpdatedAt = now
			if err := putMessage(tx, current, &next); err != nil {
				return err
			}
			moved++
		}
		return nil
	})

	return moved, err
}

func (s *BoltStore) AggregateMessages(ctx context.Context, campaignID string) (*Aggregate, error) {
	agg := NewAggregate()

	err := s.db.View(func(tx *bolt.Tx) error {
		if campaignID != "" {
			return scanIndex(tx, bucketMsgByCampaign, campaignID, func(msg *models.Message) bool {
				agg.Add(msg)
				return true
			})
		}
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			agg.Add(&msg)
			return nil
		})
	})

	return agg, err
}

func (s *BoltStore) CampaignContactIDs(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanIndex(tx, bucketMsgByCampaign, campaignID, func(msg *models.Message) bool {
			if msg.ContactID != "" {
				ids[msg.ContactID] = struct{}{}
			}
			return true
		})
	})
	return ids, err
}

// Contacts

func (s *BoltStore) SaveContact(ctx context.Context, c *models.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketContacts), c.ID, c); err != nil {
			return err
		}
		return tx.Bucket(bucketContactsByList).Put([]byte(c.ListID+"/"+c.ID), []byte(c.ID))
	})
}

func (s *BoltStore) ListContacts(ctx context.Context, listID, afterID string, limit int) ([]*models.Contact, error) {
	var contacts []*models.Contact

	err := s.db.View(func(tx *bolt.Tx) error {
		contactBucket := tx.Bucket(bucketContacts)
		prefix := []byte(listID + "/")
		after := []byte(listID + "/" + afterID)

		c := tx.Bucket(bucketContactsByList).Cursor()
		for k, v := c.Seek(after); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if afterID != "" && bytes.Equal(k, after) {
				continue
			}
			var contact models.Contact
			if err := getJSON(contactBucket, string(v), &contact); err != nil {
				continue
			}
			contacts = append(contacts, &contact)
			if limit > 0 && len(contacts) >= limit {
				break
			}
		}
		return nil
	})

	return contacts, err
}

func (s *BoltStore) CountContacts(ctx context.Context, listID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(listID + "/")
		c := tx.Bucket(bucketContactsByList).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Providers

func (s *BoltStore) SaveProvider(ctx context.Context, p *models.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketProviders), p.ID, p)
	})
}

func (s *BoltStore) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var p models.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketProviders), id, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListProviders(ctx context.Context) ([]*models.Provider, error) {
	var providers []*models.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).ForEach(func(k, v []byte) error {
			var p models.Provider
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			providers = append(providers, &p)
			return nil
		})
	})
	return providers, err
}

// Pricing and access

func (s *BoltStore) SaveRateDeckAssignment(ctx context.Context, a *models.RateDeckAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRateDeckAssignments), a.ID, a)
	})
}

// ActiveRateDeckAssignment returns the most recent active assignment of the user
func (s *BoltStore) ActiveRateDeckAssignment(ctx context.Context, userID string) (*models.RateDeckAssignment, error) {
	var found *models.RateDeckAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateDeckAssignments).ForEach(func(k, v []byte) error {
			var a models.RateDeckAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.UserID != userID || !a.Active {
				return nil
			}
			if found == nil || a.AssignedAt.After(found.AssignedAt) {
				found = &a
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) SaveRate(ctx context.Context, r *models.Rate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRates), r.ID, r)
	})
}

func (s *BoltStore) FindRate(ctx context.Context, rateDeckID, country string) (*models.Rate, error) {
	var found *models.Rate
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r models.Rate
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.RateDeckID == rateDeckID && strings.EqualFold(r.Country, country) {
				found = &r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) SaveProviderAssignment(ctx context.Context, a *models.ProviderAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketProviderAssignments), a.ID, a)
	})
}

func (s *BoltStore) HasProviderAssignment(ctx context.Context, userID, providerID string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProviderAssignments).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a models.ProviderAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.UserID == userID && a.ProviderID == providerID && a.Active {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// Blacklist

// SaveBlacklistedNumber stores b keyed by its normalized number
func (s *BoltStore) SaveBlacklistedNumber(ctx context.Context, b *models.BlacklistedNumber) error {
	b.PhoneNumber = models.NormalizeNumber(b.PhoneNumber)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBlacklist), b.UserID+"/"+b.PhoneNumber, b)
	})
}

func (s *BoltStore) BlacklistedNumbers(ctx context.Context, userID string, numbers []string) (map[string]bool, error) {
	found := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBlacklist)
		for _, number := range numbers {
			if bucket.Get([]byte(userID+"/"+number)) != nil {
				found[number] = true
			}
		}
		return nil
	})
	return found, err
}

// putMessage stores msg and keeps the secondary indexes in step with it.
// old is the previously stored version, nil for inserts.
func putMessage(tx *bolt.Tx, old, msg *models.Message) error {
	if err := putJSON(tx.Bucket(bucketMessages), msg.ID, msg); err != nil {
		return err
	}

	statusIdx := tx.Bucket(bucketMsgByStatus)
	if old != nil && old.Status != msg.Status {
		if err := statusIdx.Delete(makeIndexKey(string(old.Status), old.CreatedAt, old.ID)); err != nil {
			return err
		}
	}
	if err := statusIdx.Put(makeIndexKey(string(msg.Status), msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
		return fmt.Errorf("failed to update status index: %w", err)
	}

	if old == nil {
		campaignIdx := tx.Bucket(bucketMsgByCampaign)
		if err := campaignIdx.Put(makeIndexKey(msg.CampaignID, msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to update campaign index: %w", err)
		}
	}

	if msg.ProviderMessageID != "" {
		refIdx := tx.Bucket(bucketMsgByProviderRef)
		if err := refIdx.Put([]byte(msg.ProviderID+"/"+msg.ProviderMessageID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to update provider reference index: %w", err)
		}
	}

	return nil
}

func getMessage(tx *bolt.Tx, id string) (*models.Message, error) {
	var msg models.Message
	if err := getJSON(tx.Bucket(bucketMessages), id, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// scanIndex walks an index bucket in key order for one prefix and loads
// each referenced message. visit returns false to stop.
func scanIndex(tx *bolt.Tx, index []byte, prefix string, visit func(msg *models.Message) bool) error {
	p := []byte(prefix + "/")
	msgBucket := tx.Bucket(bucketMessages)

	c := tx.Bucket(index).Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		data := msgBucket.Get(v)
		if data == nil {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if !visit(&msg) {
			break
		}
	}
	return nil
}

// makeIndexKey creates a sortable key from a prefix, timestamp and ID
func makeIndexKey(prefix string, t time.Time, id string) []byte {
	return []byte(prefix + "/" + t.UTC().Format(indexTimeFormat) + "/" + id)
}

func getJSON(bucket *bolt.Bucket, key string, v any) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func putJSON(bucket *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := bucket.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func containsStatus(statuses []models.CampaignStatus, s models.CampaignStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}
