package backing

import (
	"context"
	"fmt"
)

// metaIndexKey names the set of job ids matching one (application, key,
// value) tuple. Values are coerced to their string form before indexing so
// numeric and boolean metadata match their query-string representation.
func metaIndexKey(appID, key, value string) string {
	return metaIndexPrefix + appID + ":" + key + ":" + value
}

// IndexMetadata registers the job under each metadata tuple and records the
// index keys on the job for cleanup at purge time.
func (s *Store) IndexMetadata(ctx context.Context, appID, jobID string, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for k, v := range metadata {
		idx := metaIndexKey(appID, k, fmt.Sprintf("%v", v))
		pipe.SAdd(ctx, idx, jobID)
		pipe.SAdd(ctx, jobMetaKey(jobID), idx)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index metadata: %w", err)
	}
	return nil
}

// FindJobIDsByMetadata returns ids of jobs whose metadata matches every
// filter tuple (set intersection).
func (s *Store) FindJobIDsByMetadata(ctx context.Context, appID string, filters map[string]string) ([]string, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k, v := range filters {
		keys = append(keys, metaIndexKey(appID, k, v))
	}
	return s.client.SInter(ctx, keys...).Result()
}
