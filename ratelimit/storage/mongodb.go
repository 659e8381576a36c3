package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
)

var (
	_ Storage                     = &MongoStorage{}
	_ MovingWindowSupport         = &MongoStorage{}
	_ SlidingWindowCounterSupport = &MongoStorage{}
)

// MongoStorage backs rate limits with MongoDB. Every multi-step operation is
// an aggregation-pipeline update against a single document, which MongoDB
// applies atomically. Documents carry an expireAt field reaped by a TTL
// index, so abandoned identities cost nothing once expired.
//
// It supports every strategy: counters, a per-key entry log for the moving
// window, and a per-key two-bucket document for the sliding window counter.
type MongoStorage struct {
	client   *mongo.Client
	counters *mongo.Collection
	windows  *mongo.Collection
	sliding  *mongo.Collection
	cfg      config
	timeNow  func() time.Time
}

// NewMongoStorage connects to the given mongodb:// URI and prepares the TTL
// indexes on the rate limiting collections.
func NewMongoStorage(ctx context.Context, uri string, opts ...Option) (*MongoStorage, error) {
	c := newConfig(opts)
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, wrapErr("mongodb", "connect", uri, err)
	}
	db := client.Database(c.database)
	s := &MongoStorage{
		client:   client,
		counters: db.Collection("counters"),
		windows:  db.Collection("windows"),
		sliding:  db.Collection("slidingWindows"),
		cfg:      c,
		timeNow:  c.timeNow,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: mongooptions.Index().SetExpireAfterSeconds(0),
	}
	for _, coll := range []*mongo.Collection{s.counters, s.windows, s.sliding} {
		if _, err := coll.Indexes().CreateOne(ctx, ttlIndex); err != nil {
			return wrapErr("mongodb", "create index", coll.Name(), err)
		}
	}
	return nil
}

// expiredCond is true when the stored document's expiry has passed; documents
// linger between logical expiry and TTL reaping, so reads and increments must
// treat them as absent.
func expiredCond(now time.Time) bson.M {
	return bson.M{"$lt": bson.A{bson.M{"$ifNull": bson.A{"$expireAt", time.Unix(0, 0).UTC()}}, now}}
}

func (s *MongoStorage) Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error) {
	now := s.timeNow().UTC()
	expireAt := now.Add(expiry)

	expired := expiredCond(now)
	newCount := bson.M{"$cond": bson.A{
		expired,
		amount,
		bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$count", int64(0)}}, amount}},
	}}
	var newExpire interface{} = expireAt
	if !elasticExpiry {
		newExpire = bson.M{"$cond": bson.A{expired, expireAt, "$expireAt"}}
	}

	var doc struct {
		Count int64 `bson:"count"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.cfg.prefixed(key)},
		bson.A{bson.M{"$set": bson.M{"count": newCount, "expireAt": newExpire}}},
		mongooptions.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongooptions.After),
	).Decode(&doc)
	if err != nil {
		log.Logger().Error("failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return 0, wrapErr("mongodb", "incr", key, err)
	}
	return doc.Count, nil
}

func (s *MongoStorage) Get(ctx context.Context, key string) (int64, error) {
	var doc struct {
		Count    int64     `bson:"count"`
		ExpireAt time.Time `bson:"expireAt"`
	}
	err := s.counters.FindOne(ctx, bson.M{"_id": s.cfg.prefixed(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("mongodb", "get", key, err)
	}
	if !doc.ExpireAt.After(s.timeNow()) {
		return 0, nil
	}
	return doc.Count, nil
}

func (s *MongoStorage) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	var doc struct {
		ExpireAt time.Time `bson:"expireAt"`
	}
	err := s.counters.FindOne(ctx, bson.M{"_id": s.cfg.prefixed(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.timeNow(), nil
	}
	if err != nil {
		return time.Time{}, wrapErr("mongodb", "get expiry", key, err)
	}
	now := s.timeNow()
	if !doc.ExpireAt.After(now) {
		return now, nil
	}
	return doc.ExpireAt, nil
}

func (s *MongoStorage) Clear(ctx context.Context, key string) error {
	filter := bson.M{"_id": s.cfg.prefixed(key)}
	for _, coll := range []*mongo.Collection{s.counters, s.windows, s.sliding} {
		if _, err := coll.DeleteOne(ctx, filter); err != nil {
			return wrapErr("mongodb", "clear", key, err)
		}
	}
	return nil
}

func (s *MongoStorage) Check(ctx context.Context) bool {
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

func (s *MongoStorage) Reset(ctx context.Context) (int64, error) {
	var removed int64
	for _, coll := range []*mongo.Collection{s.counters, s.windows, s.sliding} {
		result, err := coll.DeleteMany(ctx, bson.M{})
		if err != nil {
			return removed, wrapErr("mongodb", "reset", coll.Name(), err)
		}
		removed += result.DeletedCount
	}
	return removed, nil
}

func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type mongoEntry struct {
	T  float64 `bson:"t"`
	ID string  `bson:"id"`
}

// shiftBuckets maps a stored two-bucket document onto the window frame
// beginning at thisStart: a document last written in the previous window
// contributes its current bucket as the new previous; anything older
// contributes nothing.
func shiftBuckets(storedStart, thisStart, storedPrev, storedCur, windowSeconds int64) (previous, current int64) {
	switch storedStart {
	case thisStart:
		return storedPrev, storedCur
	case thisStart - windowSeconds:
		return storedCur, 0
	default:
		return 0, 0
	}
}

func (s *MongoStorage) AcquireEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := s.timeNow()
	nowSeconds := floatSeconds(now)
	cutoff := nowSeconds - window.Seconds()
	acquireID := uuid.NewString()

	appended := make(bson.A, 0, amount)
	for i := int64(0); i < amount; i++ {
		appended = append(appended, bson.M{"t": nowSeconds, "id": acquireID + ":" + strconv.FormatInt(i, 10)})
	}

	pruned := bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$entries", bson.A{}}},
		"as":    "entry",
		"cond":  bson.M{"$gt": bson.A{"$$entry.t", cutoff}},
	}}
	newEntries := bson.M{"$let": bson.M{
		"vars": bson.M{"kept": pruned},
		"in": bson.M{"$cond": bson.A{
			bson.M{"$lte": bson.A{bson.M{"$add": bson.A{bson.M{"$size": "$$kept"}, amount}}, limit}},
			bson.M{"$concatArrays": bson.A{"$$kept", appended}},
			"$$kept",
		}},
	}}

	var doc struct {
		Entries []mongoEntry `bson:"entries"`
	}
	err := s.windows.FindOneAndUpdate(ctx,
		bson.M{"_id": s.cfg.prefixed(key)},
		bson.A{bson.M{"$set": bson.M{
			"entries":  newEntries,
			"expireAt": now.Add(window + time.Minute).UTC(),
		}}},
		mongooptions.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongooptions.After),
	).Decode(&doc)
	if err != nil {
		log.Logger().Error("failed to acquire moving window entry", zap.String("key", key), zap.Error(err))
		return false, wrapErr("mongodb", "acquire entry", key, err)
	}
	last := len(doc.Entries) - 1
	return last >= 0 && strings.HasPrefix(doc.Entries[last].ID, acquireID), nil
}

func (s *MongoStorage) MovingWindow(ctx context.Context, key string, limit int64, window time.Duration) (time.Time, int64, error) {
	now := s.timeNow()
	cutoff := floatSeconds(now) - window.Seconds()

	var doc struct {
		Entries []mongoEntry `bson:"entries"`
	}
	err := s.windows.FindOne(ctx, bson.M{"_id": s.cfg.prefixed(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return now, 0, nil
	}
	if err != nil {
		return time.Time{}, 0, wrapErr("mongodb", "moving window", key, err)
	}

	var count int64
	oldest := now
	for _, entry := range doc.Entries {
		if entry.T > cutoff {
			if count == 0 {
				oldest = timeFromFloat(entry.T)
			}
			count++
		}
	}
	return oldest, count, nil
}

func (s *MongoStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := s.timeNow()
	_, _, start := windowKeys(key, now, window)
	thisStart := start.Unix()
	prevStart := thisStart - int64(window/time.Second)
	weight := float64(window-now.Sub(start)) / float64(window)
	acquireID := uuid.NewString()

	stored := bson.M{"$ifNull": bson.A{"$curStart", int64(0)}}
	storedPrev := bson.M{"$ifNull": bson.A{"$prev", int64(0)}}
	storedCur := bson.M{"$ifNull": bson.A{"$cur", int64(0)}}

	// Shift the stored buckets into this window's frame: a document last
	// touched in the previous window contributes its current bucket as the
	// new previous; anything older contributes nothing.
	shiftedPrev := bson.M{"$switch": bson.M{
		"branches": bson.A{
			bson.M{"case": bson.M{"$eq": bson.A{stored, thisStart}}, "then": storedPrev},
			bson.M{"case": bson.M{"$eq": bson.A{stored, prevStart}}, "then": storedCur},
		},
		"default": int64(0),
	}}
	shiftedCur := bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{stored, thisStart}}, storedCur, int64(0)}}

	allowed := bson.M{"$lte": bson.A{
		bson.M{"$add": bson.A{bson.M{"$multiply": bson.A{shiftedPrev, weight}}, shiftedCur, amount}},
		limit,
	}}

	var doc struct {
		Acq string `bson:"acq"`
	}
	err := s.sliding.FindOneAndUpdate(ctx,
		bson.M{"_id": s.cfg.prefixed(key)},
		bson.A{bson.M{"$set": bson.M{
			"curStart": thisStart,
			"prev":     shiftedPrev,
			"cur":      bson.M{"$cond": bson.A{allowed, bson.M{"$add": bson.A{shiftedCur, amount}}, shiftedCur}},
			"acq":      bson.M{"$cond": bson.A{allowed, acquireID, bson.M{"$ifNull": bson.A{"$acq", ""}}}},
			"expireAt": start.Add(2 * window).UTC(),
		}}},
		mongooptions.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongooptions.After),
	).Decode(&doc)
	if err != nil {
		log.Logger().Error("failed to acquire sliding window entry", zap.String("key", key), zap.Error(err))
		return false, wrapErr("mongodb", "acquire sliding window", key, err)
	}
	return doc.Acq == acquireID, nil
}

func (s *MongoStorage) SlidingWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, int64, time.Duration, error) {
	now := s.timeNow()
	_, _, start := windowKeys(key, now, window)
	thisStart := start.Unix()

	var doc struct {
		CurStart int64 `bson:"curStart"`
		Prev     int64 `bson:"prev"`
		Cur      int64 `bson:"cur"`
	}
	err := s.sliding.FindOne(ctx, bson.M{"_id": s.cfg.prefixed(key)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, 0, wrapErr("mongodb", "sliding window", key, err)
	}

	previous, current := shiftBuckets(doc.CurStart, thisStart, doc.Prev, doc.Cur, int64(window/time.Second))

	elapsed := now.Sub(start)
	var prevTTL, curTTL time.Duration
	if previous > 0 {
		prevTTL = window - elapsed
	}
	if current > 0 {
		curTTL = 2*window - elapsed
	}
	return previous, prevTTL, current, curTTL, nil
}

func (s *MongoStorage) ClearSlidingWindow(ctx context.Context, key string, window time.Duration) error {
	if _, err := s.sliding.DeleteOne(ctx, bson.M{"_id": s.cfg.prefixed(key)}); err != nil {
		return wrapErr("mongodb", "clear sliding window", key, err)
	}
	return nil
}
