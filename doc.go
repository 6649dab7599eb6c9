// Package eventproc implements a distributed event-stream processor for a
// partitioned, append-only log service.
//
// Multiple independent EventProcessor instances cooperate, without direct
// peer communication, to divide an event hub's partitions among themselves.
// Coordination happens entirely through a shared PartitionManager store with
// optimistic concurrency (ETags): each processor periodically reads the full
// ownership snapshot, asks the load balancer for at most one partition to
// claim, and writes the claim back. Ownership is a soft lease; a record whose
// LastModifiedTime is older than the configured expiry counts as abandoned
// and becomes claimable again.
//
// For every owned partition the processor runs a pump: a goroutine that opens
// a broker reader at the checkpointed position, receives batches, dispatches
// them to the user-supplied PartitionProcessor, and tears down with an
// explicit close reason (Shutdown, OwnershipLost, EventHubException).
// Delivery is at-least-once; within a partition events arrive in strictly
// increasing sequence-number order.
//
// Minimal usage:
//
//	cfg := eventproc.DefaultConfig()
//	store := memory.NewStore()
//	factory := types.PartitionProcessorFactoryFunc(
//	    func(p types.PartitionContext, ckpt types.CheckpointUpdater) (types.PartitionProcessor, error) {
//	        return &myHandler{checkpoints: ckpt}, nil
//	    })
//
//	proc, err := eventproc.NewEventProcessor(&cfg, "$Default", session, factory, store)
//	if err != nil { /* handle */ }
//	_ = proc.Start(ctx)
//	defer proc.Stop(context.Background())
package eventproc
