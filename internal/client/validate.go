package client

import (
	"saltapi/pkg/model"
)

// checkPubData 发布结果的通用检查
// PubData 为空是致命错误，其余问题作为 Failure 返回
func (c *LocalClient) checkPubData(job *model.Job, pub *model.PubData) (*model.PubData, *Failure, error) {
	// 1. 认证失败，这里可能的原因不止一种
	if pub == nil {
		return nil, nil, &AuthenticationError{Tgt: job.Tgt, Fun: job.Fun.String()}
	}

	// 2. 连不上 Master，任务没发出去
	if pub.JID == "" {
		return nil, newFailure(MsgJIDNotFound), nil
	}
	if pub.JID == model.JIDUnreachable {
		return nil, newFailure(MsgMasterUnreachable), nil
	}

	// 3. 通过 syndic 下发时 (order_masters)，没匹配到 minion 也继续往下走
	if !c.orderMasters && len(pub.Minions) == 0 {
		return nil, newFailure(MsgNoMinions), nil
	}

	return pub, nil, nil
}
