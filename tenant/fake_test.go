package tenant

import (
	"sync/atomic"

	"github.com/pageserver/pageserver/cmn"
)

// fakeDeletionSink never confirms a generation; only used by tests that
// don't exercise generation-gated visible-LSN publication.
type fakeDeletionSink struct{}

func (fakeDeletionSink) UpdateRemoteConsistentLsn(cmn.TenantShardId, cmn.TimelineId, cmn.Generation, cmn.Lsn, *atomic.Uint64) {
}
