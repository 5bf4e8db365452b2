package client

import (
	"context"
	"sort"
	"time"

	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
)

// getCLIEventReturns 阻塞收集某个 jid 的返回，一批一批往外吐，满足任一条件结束：
//  1. 所有匹配到的 minion 都返回了
//  2. 距离上一次收到返回超过 timeout (每收到一批就重新计时)
//  3. 返回流关闭
//
// 任务只发布一次，这里不做任何重试
func (c *LocalClient) getCLIEventReturns(
	ctx context.Context,
	pub *model.PubData,
	timeout time.Duration,
	tgt string,
	tgtType model.TgtType,
) <-chan []*model.Return {
	out := make(chan []*model.Return)
	logger := saltlog.WithJob(c.logger, pub.JID).With("tgt", tgt, "tgt_type", string(tgtType))

	go func() {
		defer close(out)

		// 收集结束时顺带取消订阅
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		returns := c.transport.WatchReturns(watchCtx, pub.JID, pub.Revision)

		expected := make(map[string]struct{}, len(pub.Minions))
		for _, id := range pub.Minions {
			expected[id] = struct{}{}
		}
		seen := make(map[string]struct{}, len(expected))

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			select {
			case batch, ok := <-returns:
				if !ok {
					logger.Debug("return stream closed", "returned", len(seen))
					return
				}
				for _, r := range batch {
					if r == nil {
						continue
					}
					if _, ok := expected[r.ID]; ok {
						seen[r.ID] = struct{}{}
					}
				}

				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}

				// 期望集合为空 (order_masters) 时只能等超时
				if len(expected) > 0 && len(seen) == len(expected) {
					logger.Debug("all minions returned", "returned", len(seen))
					return
				}
				timer.Reset(timeout)

			case <-timer.C:
				logger.Warn("timed out waiting for returns",
					"returned", len(seen),
					"missing", missingMinions(expected, seen))
				return

			case <-ctx.Done():
				logger.Debug("collection cancelled", "error", ctx.Err())
				return
			}
		}
	}()

	return out
}

func missingMinions(expected, seen map[string]struct{}) []string {
	missing := make([]string, 0, len(expected)-len(seen))
	for id := range expected {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
