package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"settings-service/internal/client"
	"settings-service/internal/model"
	"settings-service/internal/repository"
	"settings-service/internal/util"
)

const (
	accountSettingsPrefix = "account_settings:"
	exportRequestPrefix   = "data_export_request:"
)

// saveIfVersionScript writes ARGV[2] only while the stored document's
// version still equals ARGV[1]. ARGV[1] = 0 means the key must be absent.
const saveIfVersionScript = `
local current = redis.call('GET', KEYS[1])
if current == false then
  if tonumber(ARGV[1]) == 0 then
    redis.call('SET', KEYS[1], ARGV[2])
    return 1
  end
  return 0
end
local doc = cjson.decode(current)
if tonumber(doc['version']) == tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`

// SettingsStore is the redis-backed implementation of
// repository.SettingsStore. Documents are stored as JSON under
// account_settings:<userId>; export jobs under
// data_export_request:<userId>:<timestamp>.
type SettingsStore struct {
	client *client.RedisClient
	logger *zap.Logger
}

var _ repository.SettingsStore = (*SettingsStore)(nil)

func NewSettingsStore(redisClient *client.RedisClient, logger *zap.Logger) *SettingsStore {
	return &SettingsStore{
		client: redisClient,
		logger: logger,
	}
}

func settingsKey(userID string) string {
	return accountSettingsPrefix + userID
}

func exportRequestKey(userID string, requestedAt time.Time) string {
	return fmt.Sprintf("%s%s:%d", exportRequestPrefix, userID, requestedAt.UnixMilli())
}

func (s *SettingsStore) Load(ctx context.Context, userID string) (*model.AccountSettings, error) {
	raw, err := s.client.Get(ctx, settingsKey(userID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var doc model.AccountSettings
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode settings document: %w", err)
	}
	return &doc, nil
}

func (s *SettingsStore) Save(ctx context.Context, doc *model.AccountSettings) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode settings document: %w", err)
	}

	// Settings documents never expire.
	if err := s.client.Set(ctx, settingsKey(doc.UserID), raw, 0); err != nil {
		s.logger.Error("Failed to save settings document",
			util.String("user_id", doc.UserID),
			util.Int64("version", doc.Version),
			util.ErrorField(err))
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SettingsStore) SaveIfVersion(ctx context.Context, doc *model.AccountSettings, expectedVersion int64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode settings document: %w", err)
	}

	res, err := s.client.Eval(ctx, saveIfVersionScript,
		[]string{settingsKey(doc.UserID)}, expectedVersion, string(raw))
	if err != nil {
		return fmt.Errorf("conditional save failed: %w", err)
	}

	applied, ok := res.(int64)
	if !ok {
		return fmt.Errorf("conditional save returned unexpected type %T", res)
	}
	if applied != 1 {
		s.logger.Debug("Conditional save rejected",
			util.String("user_id", doc.UserID),
			util.Int64("expected_version", expectedVersion))
		return repository.ErrVersionConflict
	}
	return nil
}

func (s *SettingsStore) CreateExportRequest(ctx context.Context, req *model.ExportRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode export request: %w", err)
	}

	key := exportRequestKey(req.UserID, req.RequestedAt)
	if err := s.client.Set(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("failed to record export request: %w", err)
	}

	s.logger.Info("Export request recorded",
		util.String("user_id", req.UserID),
		util.String("request_id", req.RequestID))
	return nil
}

func (s *SettingsStore) ListExportRequests(ctx context.Context, userID string) ([]*model.ExportRequest, error) {
	keys, err := s.client.Scan(ctx, exportRequestPrefix+userID+":*", 100)
	if err != nil {
		return nil, fmt.Errorf("failed to scan export requests: %w", err)
	}

	requests := make([]*model.ExportRequest, 0, len(keys))
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key)
		if err != nil {
			if errors.Is(err, client.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read export request %s: %w", key, err)
		}
		var req model.ExportRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			s.logger.Warn("Skipping undecodable export request",
				util.String("key", key),
				util.ErrorField(err))
			continue
		}
		requests = append(requests, &req)
	}
	return requests, nil
}

func (s *SettingsStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
