package eventproc

import (
	"math/rand/v2"
	"time"

	"github.com/streamhub/eventproc/types"
)

// PartitionLoadBalancer decides which partition, if any, this processor
// should claim next.
//
// The balancer is a pure decision function: given the current ownership
// snapshot and the full partition id set, it returns at most one partition id
// per call. Claiming one partition per tick yields gradual convergence
// without thundering herds; random tie-breaking keeps processors that observe
// the same snapshot from all targeting the same partition.
//
// An ownership record counts as active only while its LastModifiedTime is
// within inactiveTimeLimit of the current wall clock. Expired records are
// treated as abandoned: their partitions are claimable and their owners do
// not count toward the fair share.
type PartitionLoadBalancer struct {
	ownerID           string
	inactiveTimeLimit time.Duration

	// Injection points for deterministic tests.
	now  func() time.Time
	intN func(n int) int
}

// NewPartitionLoadBalancer creates a balancer for the given processor
// identity.
//
// Parameters:
//   - ownerID: stable identity of this processor instance
//   - inactiveTimeLimit: age after which an ownership counts as abandoned
func NewPartitionLoadBalancer(ownerID string, inactiveTimeLimit time.Duration) *PartitionLoadBalancer {
	return &PartitionLoadBalancer{
		ownerID:           ownerID,
		inactiveTimeLimit: inactiveTimeLimit,
		now:               time.Now,
		intN:              rand.IntN,
	}
}

// LoadBalance picks at most one partition to claim.
//
// Selection order:
//  1. partitions with no ownership record at all
//  2. partitions whose ownership has expired
//  3. partitions owned by the richest owners (count above the largest
//     allowed share)
//
// Within a set the pick is uniformly random. Returns ("", false) when this
// processor already holds its fair share or nothing is claimable.
//
// Parameters:
//   - current: ownership snapshot keyed by partition id
//   - partitionIDs: the full partition id set of the event hub
//
// Returns:
//   - string: the partition id to claim
//   - bool: false if no claim should be made this tick
func (lb *PartitionLoadBalancer) LoadBalance(current map[string]types.PartitionOwnership, partitionIDs []string) (string, bool) {
	if len(partitionIDs) == 0 {
		return "", false
	}

	nowMs := lb.now().UnixMilli()
	limitMs := lb.inactiveTimeLimit.Milliseconds()

	active := func(o types.PartitionOwnership) bool {
		return nowMs-o.LastModifiedTime <= limitMs
	}

	// Count active ownerships per owner. Owners whose records have all
	// expired disappear from the count entirely.
	ownerCounts := make(map[string]int)
	for _, o := range current {
		if active(o) {
			ownerCounts[o.OwnerID]++
		}
	}

	selfCount := ownerCounts[lb.ownerID]
	activeOwners := len(ownerCounts)
	if selfCount == 0 {
		// Self is an active owner even before it owns anything.
		activeOwners++
	}

	minPer := len(partitionIDs) / activeOwners
	extras := len(partitionIDs) % activeOwners

	// The largest share any single owner may hold: minPer plus one of the
	// extras slots when the partition count doesn't divide evenly.
	maxPer := minPer
	if extras > 0 {
		maxPer++
	}

	if selfCount > minPer {
		return "", false
	}
	if selfCount == minPer {
		// The extra slots may already be taken by other owners.
		aboveMin := 0
		for _, cnt := range ownerCounts {
			if cnt >= minPer+1 {
				aboveMin++
			}
		}
		if aboveMin >= extras {
			return "", false
		}
	}

	// Below fair share: build the candidate sets.
	var unclaimed, expired, stealable []string
	for _, id := range partitionIDs {
		o, ok := current[id]
		if !ok {
			unclaimed = append(unclaimed, id)
			continue
		}
		if !active(o) {
			expired = append(expired, id)
			continue
		}
		if o.OwnerID != lb.ownerID && ownerCounts[o.OwnerID] > maxPer {
			stealable = append(stealable, id)
		}
	}

	for _, candidates := range [][]string{unclaimed, expired, stealable} {
		if len(candidates) > 0 {
			return candidates[lb.intN(len(candidates))], true
		}
	}

	return "", false
}

// OwnerID returns the processor identity this balancer decides for.
func (lb *PartitionLoadBalancer) OwnerID() string {
	return lb.ownerID
}
