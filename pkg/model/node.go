package model

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 心跳超时
)

type Node struct {
	ID      string `json:"id"`      // minion id，通常是 Hostname
	IP      string `json:"ip"`      // Worker 的 IP 地址
	Version string `json:"version"` // Worker 版本号

	// grain / pillar 匹配用
	Grains map[string]any `json:"grains,omitempty"`
	Pillar map[string]any `json:"pillar,omitempty"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}
