package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RescanRequest asks the watcher to rescan a wallet from a given block.
type RescanRequest struct {
	Wallet    string
	FromBlock uint64
}

func (r RescanRequest) member() string {
	return fmt.Sprintf("%s@%d", r.Wallet, r.FromBlock)
}

// PushRescan queues a rescan for a chain. Duplicate requests collapse.
func (c *Client) PushRescan(ctx context.Context, chain string, req RescanRequest) error {
	if err := c.rdb.ZAdd(ctx, rescanKey(chain), redis.Z{
		Score:  float64(req.FromBlock),
		Member: req.member(),
	}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopRescan removes and returns the queued request with the lowest start
// block.
func (c *Client) PopRescan(ctx context.Context, chain string) (RescanRequest, bool, error) {
	results, err := c.rdb.ZPopMin(ctx, rescanKey(chain), 1).Result()
	if err != nil {
		return RescanRequest{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return RescanRequest{}, false, nil
	}
	member, ok := results[0].Member.(string)
	if !ok {
		return RescanRequest{}, false, fmt.Errorf("unexpected member type %T", results[0].Member)
	}
	req, err := ParseRescanMember(member)
	if err != nil {
		return RescanRequest{}, false, err
	}
	return req, true, nil
}

// PendingRescans lists queued requests without removing them.
func (c *Client) PendingRescans(ctx context.Context, chain string) ([]RescanRequest, error) {
	members, err := c.rdb.ZRange(ctx, rescanKey(chain), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	out := make([]RescanRequest, 0, len(members))
	for _, m := range members {
		req, err := ParseRescanMember(m)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// ParseRescanMember parses "0xWallet@12000".
func ParseRescanMember(s string) (RescanRequest, error) {
	wallet, block, ok := strings.Cut(s, "@")
	if !ok || wallet == "" {
		return RescanRequest{}, fmt.Errorf("invalid rescan format: %s", s)
	}
	from, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return RescanRequest{}, fmt.Errorf("invalid start: %w", err)
	}
	return RescanRequest{Wallet: wallet, FromBlock: from}, nil
}
