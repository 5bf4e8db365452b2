package client

import (
	"saltapi/pkg/model"
)

// aggregate 把返回按 minion id 汇总，同一个 minion 多次返回以最后一次为准
// 复合命令的 {fun: result} 原样保留
func aggregate(batches <-chan []*model.Return) map[string]any {
	ret := make(map[string]any)
	for batch := range batches {
		for _, r := range batch {
			if r == nil {
				continue
			}
			if r.Return == nil {
				ret[r.ID] = map[string]any{}
				continue
			}
			ret[r.ID] = r.Return
		}
	}
	return ret
}
