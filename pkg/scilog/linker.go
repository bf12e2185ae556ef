package scilog

import (
	"context"
	"fmt"

	"github.com/bec-project/bec-atlas/pkg/codec"
	"github.com/bec-project/bec-atlas/pkg/store"
)

// Linker selects the logbooks an experiment owns from the mirrored realm
// logbooks
type Linker struct {
	kv    KV
	codec codec.Codec
}

// NewLinker creates a linker reading logbooks encoded with c
func NewLinker(kv KV, c codec.Codec) *Linker {
	if c == nil {
		c = codec.Msgpack{}
	}
	return &Linker{kv: kv, codec: c}
}

// LogbookScopes returns the ids of the realm's logbooks owned by the
// experiment. A realm that was never synced has none.
func (l *Linker) LogbookScopes(ctx context.Context, realmID, experimentID string) ([]string, error) {
	if realmID == "" || experimentID == "" {
		return nil, nil
	}
	data, found, err := l.kv.Get(ctx, store.LogbooksKey(realmID))
	if err != nil || !found {
		return nil, err
	}
	var res Resources
	if err := l.codec.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode logbooks of %s: %w", realmID, err)
	}
	var scopes []string
	for _, lb := range res.Resource {
		if lb.OwnerGroup() == experimentID && lb.ID() != "" {
			scopes = append(scopes, lb.ID())
		}
	}
	return scopes, nil
}
