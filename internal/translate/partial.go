package translate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lingosub/lingosub/internal/broker"
	"github.com/lingosub/lingosub/internal/cache"
	"github.com/lingosub/lingosub/internal/logging"
)

// partialState holds per-batch results for resumption. It lives in the
// partial namespace under the request fingerprint and is deleted on full
// completion.
type partialState struct {
	Fingerprint string                              `json:"fingerprint"`
	Batches     map[uint32][]broker.TranslatedEntry `json:"batches"`
	UpdatedAt   time.Time                           `json:"updated_at"`
}

func newPartialState(fingerprint string) *partialState {
	return &partialState{Fingerprint: fingerprint, Batches: make(map[uint32][]broker.TranslatedEntry)}
}

// loadPartial returns the resumption state for fingerprint, or a fresh one.
// Storage failures degrade to a fresh state; resumption is an optimization,
// never a correctness requirement.
func loadPartial(ctx context.Context, store *cache.Store, fingerprint string) *partialState {
	b, err := store.Get(ctx, cache.NSPartial, fingerprint)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logging.FromContext(ctx).Warn("partial state read failed; starting fresh", "fingerprint", fingerprint, "err", err)
		}
		return newPartialState(fingerprint)
	}
	var st partialState
	if err := json.Unmarshal(b, &st); err != nil || st.Fingerprint != fingerprint {
		logging.FromContext(ctx).Warn("partial state corrupt; starting fresh", "fingerprint", fingerprint)
		return newPartialState(fingerprint)
	}
	if st.Batches == nil {
		st.Batches = make(map[uint32][]broker.TranslatedEntry)
	}
	return &st
}

// save persists the state best-effort under the partial namespace TTL.
func (st *partialState) save(ctx context.Context, store *cache.Store) {
	st.UpdatedAt = time.Now()
	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := store.Set(ctx, cache.NSPartial, st.Fingerprint, b, 0); err != nil {
		logging.FromContext(ctx).Warn("partial state write failed", "fingerprint", st.Fingerprint, "err", err)
	}
}

func (st *partialState) completed(id uint32) bool {
	_, ok := st.Batches[id]
	return ok
}
