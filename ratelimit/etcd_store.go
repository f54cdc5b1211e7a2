package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore is a Store backed by etcd, for deployments running more than
// one node: every node increments the same bucket keys, so a rule's
// window is enforced cluster-wide rather than per-process. It mirrors
// the lease-per-key pattern gazette's own consumer/allocator package
// uses to give an etcd key a bounded lifetime without an explicit
// sweep.
//
// Counting is a weighted sliding window over two adjacent fixed
// buckets (the same technique MemoryStore uses): the current bucket is
// incremented, the previous bucket is read, and the two are combined
// weighted by how far the clock has moved into the current bucket, so
// a burst straddling a bucket boundary can't double the effective
// limit the way a plain fixed-window reset would allow.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore returns a Store keying every counter under prefix.
func NewEtcdStore(client *clientv3.Client, prefix string) *EtcdStore {
	return &EtcdStore{client: client, prefix: prefix}
}

// IncrementAndRead implements Store. It increments the bucket the
// current wall-clock time falls into and combines it with the prior
// bucket's count, weighted by the fraction of the current bucket
// already elapsed.
func (s *EtcdStore) IncrementAndRead(ctx context.Context, key string, windowMs int64) (int, error) {
	if windowMs <= 0 {
		windowMs = 1
	}

	var nowMs = time.Now().UnixMilli()
	var bucketIndex = nowMs / windowMs
	var fractionElapsed = float64(nowMs%windowMs) / float64(windowMs)

	var windowSecs = (windowMs + 999) / 1000
	if windowSecs < 1 {
		windowSecs = 1
	}

	var currentKey = fmt.Sprintf("%s%s|%d", s.prefix, key, bucketIndex)
	var previousKey = fmt.Sprintf("%s%s|%d", s.prefix, key, bucketIndex-1)

	currentCount, err := s.incrementBucket(ctx, currentKey, 2*windowSecs)
	if err != nil {
		return 0, err
	}
	previousCount, err := s.readBucket(ctx, previousKey)
	if err != nil {
		return 0, err
	}

	var weighted = float64(previousCount)*(1-fractionElapsed) + float64(currentCount)
	return int(math.Ceil(weighted)), nil
}

// incrementBucket grants a fresh lease scoped to ttlSecs on every call,
// then issues a transaction that either creates the key at count 1 under
// that lease, or fetches the key's counter. An existing counter is
// re-incremented under its original lease by a compare-and-swap on its
// mod revision, retried from the start if another writer got there
// first. Because the key's lease expires once no future bucket
// can reach it, a stale counter is pruned by etcd itself rather than
// requiring a client-side sweep.
func (s *EtcdStore) incrementBucket(ctx context.Context, fullKey string, ttlSecs int64) (int, error) {
	var lease, err = s.client.Grant(ctx, ttlSecs)
	if err != nil {
		return 0, fmt.Errorf("granting lease: %w", err)
	}

	var txn = s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)).
		Then(clientv3.OpPut(fullKey, "1", clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(fullKey))

	resp, err := txn.Commit()
	if err != nil {
		return 0, fmt.Errorf("committing counter transaction: %w", err)
	}
	if resp.Succeeded {
		return 1, nil
	}

	// The key already existed under its original lease; the new lease
	// granted above is unused and left to expire on its own after
	// ttlSecs, which is harmless (it owns no keys).
	if len(resp.Responses) == 0 {
		return 0, fmt.Errorf("ratelimit: etcd txn returned no responses for %q", fullKey)
	}
	var getResp = resp.Responses[0].GetResponseRange()
	if getResp == nil || len(getResp.Kvs) == 0 {
		return 1, nil
	}

	var count int
	if _, err := fmt.Sscanf(string(getResp.Kvs[0].Value), "%d", &count); err != nil {
		return 0, fmt.Errorf("parsing counter value: %w", err)
	}
	count++

	var kv = getResp.Kvs[0]
	cas, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(fullKey), "=", kv.ModRevision)).
		Then(clientv3.OpPut(fullKey, fmt.Sprintf("%d", count), clientv3.WithLease(clientv3.LeaseID(kv.Lease)))).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("updating counter: %w", err)
	}
	if !cas.Succeeded {
		// Another writer updated fullKey after it was read; start over.
		return s.incrementBucket(ctx, fullKey, ttlSecs)
	}
	return count, nil
}

// readBucket returns fullKey's current counter value, or 0 if it has
// never been written or has already expired -- a missing previous
// bucket contributes nothing to the weighted sum.
func (s *EtcdStore) readBucket(ctx context.Context, fullKey string) (int, error) {
	resp, err := s.client.Get(ctx, fullKey)
	if err != nil {
		return 0, fmt.Errorf("reading previous bucket: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	var count int
	if _, err := fmt.Sscanf(string(resp.Kvs[0].Value), "%d", &count); err != nil {
		return 0, fmt.Errorf("parsing counter value: %w", err)
	}
	return count, nil
}

var _ Store = (*EtcdStore)(nil)
