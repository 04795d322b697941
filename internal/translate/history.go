package translate

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lingosub/lingosub/internal/cache"
	"github.com/lingosub/lingosub/internal/logging"
)

// HistoryRecord is written on every pipeline completion, success or
// failure, with the history namespace's 30-day TTL. Each translate call
// gets its own record; coalesced waiters and cache hits record cached=true.
type HistoryRecord struct {
	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	Workflow    string `json:"workflow"`
	EntryCount  int    `json:"entry_count"`
	DurationMs  int64  `json:"duration_ms"`
	Cached      bool   `json:"cached"`

	UsedSecondary          bool   `json:"used_secondary,omitempty"`
	PrimaryFailureReason   string `json:"primary_failure_reason,omitempty"`
	SecondaryFailureReason string `json:"secondary_failure_reason,omitempty"`

	RateLimitErrors  int      `json:"rate_limit_errors,omitempty"`
	KeyRotations     int      `json:"key_rotations,omitempty"`
	MismatchDetected bool     `json:"mismatch_detected,omitempty"`
	MissingEntries   int      `json:"missing_entries,omitempty"`
	RecoveredEntries int      `json:"recovered_entries,omitempty"`
	SkippedCues      int      `json:"skipped_cues,omitempty"`
	ErrorTypes       []string `json:"error_types,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// writeHistory persists the record best-effort; history never fails the
// pipeline. The key is fingerprint-scoped with a unique suffix so repeat
// requests keep their own records.
func writeHistory(ctx context.Context, store *cache.Store, rec *HistoryRecord) {
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	rec.CreatedAt = time.Now()

	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := rec.Fingerprint + "-" + rec.RequestID
	if err := store.Set(ctx, cache.NSHistory, key, b, 0); err != nil {
		logging.FromContext(ctx).Warn("history write failed", "fingerprint", rec.Fingerprint, "err", err)
	}
}

// HistoryFor lists the stored records for a fingerprint, newest last.
func HistoryFor(ctx context.Context, store *cache.Store, fingerprint string) ([]HistoryRecord, error) {
	keys, err := store.List(ctx, cache.NSHistory, fingerprint+"-*")
	if err != nil {
		return nil, err
	}
	records := make([]HistoryRecord, 0, len(keys))
	for _, key := range keys {
		b, err := store.Get(ctx, cache.NSHistory, key)
		if err != nil {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}
