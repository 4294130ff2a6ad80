// Package redis implements the storage interfaces on Redis. Entities are
// stored as JSON blobs; sorted sets keyed by creation or expiry time provide
// the ordered listings the coordinators rely on.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/crossvault/authcore/internal/app/domain/geo"
	"github.com/crossvault/authcore/internal/app/domain/signing"
	"github.com/crossvault/authcore/internal/app/domain/swap"
	"github.com/crossvault/authcore/internal/app/storage"
)

const (
	signingKeyPrefix = "authcore:signing:"
	signingActionKey = "authcore:signing:action:"
	swapKeyPrefix    = "authcore:swap:"
	swapAllKey       = "authcore:swaps"
	swapInitiatorKey = "authcore:swaps:initiator:"
	geoKeyPrefix     = "authcore:geo:"
	geoActionKey     = "authcore:geo:action:"
	geoExpiryKey     = "authcore:geo:expiry"
)

// Store implements the storage interfaces on a Redis client.
type Store struct {
	client *redis.Client
}

var (
	_ storage.SigningStore = (*Store)(nil)
	_ storage.SwapStore    = (*Store)(nil)
	_ storage.GeoStore     = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Signing requests ------------------------------------------------------------

func actionIndexKey(actionID string, actionType signing.ActionType) string {
	return signingActionKey + actionID + ":" + string(actionType)
}

func (s *Store) CreateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error) {
	key := signingKeyPrefix + req.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return signing.Request{}, err
	} else if ok {
		return signing.Request{}, fmt.Errorf("signing request %s already exists", req.ID)
	}
	if err := s.setJSON(ctx, key, req); err != nil {
		return signing.Request{}, err
	}

	score := float64(req.CreatedAt.UnixNano())
	member := &redis.Z{Score: score, Member: req.ID}
	if err := s.client.ZAdd(ctx, actionIndexKey(req.ActionID, req.ActionType), member).Err(); err != nil {
		return signing.Request{}, err
	}
	if err := s.client.ZAdd(ctx, signingActionKey+req.ActionID, member).Err(); err != nil {
		return signing.Request{}, err
	}
	return req, nil
}

func (s *Store) UpdateSigningRequest(ctx context.Context, req signing.Request) (signing.Request, error) {
	key := signingKeyPrefix + req.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return signing.Request{}, err
	} else if !ok {
		return signing.Request{}, fmt.Errorf("signing request %s: %w", req.ID, storage.ErrNotFound)
	}
	if err := s.setJSON(ctx, key, req); err != nil {
		return signing.Request{}, err
	}
	return req, nil
}

func (s *Store) GetSigningRequest(ctx context.Context, id string) (signing.Request, error) {
	var req signing.Request
	if err := s.getJSON(ctx, signingKeyPrefix+id, &req); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return signing.Request{}, fmt.Errorf("signing request %s: %w", id, storage.ErrNotFound)
		}
		return signing.Request{}, err
	}
	return req, nil
}

func (s *Store) GetSigningRequestByAction(ctx context.Context, actionID string, actionType signing.ActionType) (signing.Request, error) {
	ids, err := s.client.ZRevRange(ctx, actionIndexKey(actionID, actionType), 0, 0).Result()
	if err != nil {
		return signing.Request{}, err
	}
	if len(ids) == 0 {
		return signing.Request{}, fmt.Errorf("action %s: %w", actionID, storage.ErrNotFound)
	}
	return s.GetSigningRequest(ctx, ids[0])
}

func (s *Store) ListSigningRequests(ctx context.Context, actionID string) ([]signing.Request, error) {
	ids, err := s.client.ZRange(ctx, signingActionKey+actionID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	reqs := make([]signing.Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetSigningRequest(ctx, id)
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Swaps -----------------------------------------------------------------------

func (s *Store) CreateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	key := swapKeyPrefix + sw.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return swap.HTLCSwap{}, err
	} else if ok {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s already exists", sw.ID)
	}
	if err := s.setJSON(ctx, key, sw); err != nil {
		return swap.HTLCSwap{}, err
	}

	member := &redis.Z{Score: float64(sw.CreatedAt.UnixNano()), Member: sw.ID}
	if err := s.client.ZAdd(ctx, swapAllKey, member).Err(); err != nil {
		return swap.HTLCSwap{}, err
	}
	if sw.Initiator != "" {
		if err := s.client.ZAdd(ctx, swapInitiatorKey+sw.Initiator, member).Err(); err != nil {
			return swap.HTLCSwap{}, err
		}
	}
	return sw, nil
}

func (s *Store) UpdateSwap(ctx context.Context, sw swap.HTLCSwap) (swap.HTLCSwap, error) {
	key := swapKeyPrefix + sw.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return swap.HTLCSwap{}, err
	} else if !ok {
		return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", sw.ID, storage.ErrNotFound)
	}
	if err := s.setJSON(ctx, key, sw); err != nil {
		return swap.HTLCSwap{}, err
	}
	return sw, nil
}

func (s *Store) GetSwap(ctx context.Context, id string) (swap.HTLCSwap, error) {
	var sw swap.HTLCSwap
	if err := s.getJSON(ctx, swapKeyPrefix+id, &sw); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return swap.HTLCSwap{}, fmt.Errorf("swap %s: %w", id, storage.ErrNotFound)
		}
		return swap.HTLCSwap{}, err
	}
	return sw, nil
}

func (s *Store) ListSwaps(ctx context.Context, initiator string) ([]swap.HTLCSwap, error) {
	key := swapAllKey
	if initiator != "" {
		key = swapInitiatorKey + initiator
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	swaps := make([]swap.HTLCSwap, 0, len(ids))
	for _, id := range ids {
		sw, err := s.GetSwap(ctx, id)
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		swaps = append(swaps, sw)
	}
	return swaps, nil
}

// Geo records -----------------------------------------------------------------

func (s *Store) CreateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error) {
	key := geoKeyPrefix + rec.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return geo.Record{}, err
	} else if ok {
		return geo.Record{}, fmt.Errorf("geo record %s already exists", rec.ID)
	}
	if err := s.setJSON(ctx, key, rec); err != nil {
		return geo.Record{}, err
	}

	if err := s.client.SAdd(ctx, geoActionKey+rec.ActionID, rec.ID).Err(); err != nil {
		return geo.Record{}, err
	}
	expiry := &redis.Z{Score: float64(rec.ExpiresAt.Unix()), Member: rec.ID}
	if err := s.client.ZAdd(ctx, geoExpiryKey, expiry).Err(); err != nil {
		return geo.Record{}, err
	}
	return rec, nil
}

func (s *Store) UpdateGeoRecord(ctx context.Context, rec geo.Record) (geo.Record, error) {
	key := geoKeyPrefix + rec.ID
	if ok, err := s.exists(ctx, key); err != nil {
		return geo.Record{}, err
	} else if !ok {
		return geo.Record{}, fmt.Errorf("geo record %s: %w", rec.ID, storage.ErrNotFound)
	}
	if err := s.setJSON(ctx, key, rec); err != nil {
		return geo.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListGeoRecords(ctx context.Context, actionID string) ([]geo.Record, error) {
	ids, err := s.client.SMembers(ctx, geoActionKey+actionID).Result()
	if err != nil {
		return nil, err
	}
	records := make([]geo.Record, 0, len(ids))
	for _, id := range ids {
		var rec geo.Record
		if err := s.getJSON(ctx, geoKeyPrefix+id, &rec); err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) DeleteExpiredGeoRecords(ctx context.Context, now time.Time) (int, error) {
	max := strconv.FormatInt(now.Unix(), 10)
	ids, err := s.client.ZRangeByScore(ctx, geoExpiryKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		var rec geo.Record
		if err := s.getJSON(ctx, geoKeyPrefix+id, &rec); err == nil {
			s.client.SRem(ctx, geoActionKey+rec.ActionID, id)
		}
		if err := s.client.Del(ctx, geoKeyPrefix+id).Err(); err != nil {
			return removed, err
		}
		s.client.ZRem(ctx, geoExpiryKey, id)
		removed++
	}
	return removed, nil
}
