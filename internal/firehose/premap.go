package firehose

import "github.com/behrlich/zicio/internal/ghost"

// preparedEntry is one candidate found during the reverse scan, buffered
// until the ascending-order install pass (spec.md §4.8).
type preparedEntry struct {
	monotonicID uint64
	chunkID     uint32
	spcbSlot    int32
}

// PremapFromPool scans the pool for chunks this channel hasn't yet seen
// but that are already cached, and installs ghost-table mappings for them
// without issuing new I/O (spec.md §4.8). It returns distance_from_head
// for the caller's I/O decision (spec.md §4.7 step 2).
func (c *Ctrl) PremapFromPool(now int64) (distanceFromHead int64, err error) {
	ch := c.Channel
	T := ch.Pool.FileSet().TotalChunks()

	head := ch.Pool.Head()
	low := ch.PreviousLowPremapPoint()
	if start := ch.Consume().StartChunkIDNoMod; start > low {
		low = start
	}

	var prepared []preparedEntry
	if head > 0 {
		for m := head - 1; m > low && len(prepared) < maxPremapBatch; m-- {
			chunkID := uint32(m % uint64(T))

			if wasSet := ch.Local.TestAndSetLeaf(chunkID); wasSet {
				continue
			}

			valid, ref := ch.Pool.Shared().Test(chunkID)
			if !valid || !ref {
				ch.Local.TestAndClearLeaf(chunkID)
				continue
			}

			s := ch.Pool.Lookup(chunkID)
			if s == nil {
				ch.Local.TestAndClearLeaf(chunkID)
				continue
			}
			if s.ExpDeadline() <= now+ch.Pool.Config().JiffyNs || s.ChunkID() != chunkID {
				s.DecRef()
				ch.Local.TestAndClearLeaf(chunkID)
				continue
			}

			prepared = append(prepared, preparedEntry{monotonicID: m, chunkID: chunkID, spcbSlot: int32(s.SlotIdx())})
		}
	}

	// Install in ascending order of m so the consumer reads chunks in file
	// order even though the scan ran in reverse (spec.md §4.8).
	for i := len(prepared) - 1; i >= 0; i-- {
		e := prepared[i]
		s := ch.Pool.SPCBAt(e.spcbSlot)
		distance := int64(head) - int64(e.monotonicID)
		if _, tpErr := ch.Ghost.TryPremap(s, ghost.TrackingInfo{
			ChunkID:          e.chunkID,
			MonotonicID:      e.monotonicID,
			DistanceFromHead: distance,
		}); tpErr != nil {
			s.DecRef()
			continue
		}
	}

	ch.SetPreviousHighPremapPoint(head)

	avgIngestion := ch.Pool.AvgUserIngestionMonotonicID()
	return int64(head) - int64(avgIngestion), nil
}
