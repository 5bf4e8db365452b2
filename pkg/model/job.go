package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TgtType 目标匹配方式
type TgtType string

const (
	TgtGlob      TgtType = "glob"
	TgtPCRE      TgtType = "pcre"
	TgtList      TgtType = "list"
	TgtGrain     TgtType = "grain"
	TgtGrainPCRE TgtType = "grain_pcre"
	TgtPillar    TgtType = "pillar"
	TgtNodegroup TgtType = "nodegroup"
	TgtRange     TgtType = "range"
	TgtCompound  TgtType = "compound"
)

// Valid 是否是已知的匹配方式
func (t TgtType) Valid() bool {
	switch t {
	case TgtGlob, TgtPCRE, TgtList, TgtGrain, TgtGrainPCRE,
		TgtPillar, TgtNodegroup, TgtRange, TgtCompound:
		return true
	}
	return false
}

// FunSpec 要执行的函数：单个函数，或者按顺序排列的复合命令
type FunSpec struct {
	Names    []string
	Compound bool
}

// Fun 单函数
func Fun(name string) FunSpec {
	return FunSpec{Names: []string{name}}
}

// Funs 复合命令，参数和函数按下标一一对应
func Funs(names ...string) FunSpec {
	return FunSpec{Names: names, Compound: true}
}

func (f FunSpec) String() string {
	if !f.Compound && len(f.Names) == 1 {
		return f.Names[0]
	}
	return "[" + strings.Join(f.Names, ", ") + "]"
}

// MarshalJSON 单函数编码成字符串，复合命令编码成数组
func (f FunSpec) MarshalJSON() ([]byte, error) {
	if !f.Compound && len(f.Names) == 1 {
		return json.Marshal(f.Names[0])
	}
	names := f.Names
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON 兼容 "test.ping" 和 ["test.ping", "cmd.run"] 两种写法
func (f *FunSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*f = Fun(name)
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("fun must be a string or a list of strings: %w", err)
	}
	*f = Funs(names...)
	return nil
}

// Job 一次下发的命令
type Job struct {
	JID     string  `json:"jid"`
	Tgt     string  `json:"tgt"`      // list 方式下用逗号分隔
	TgtType TgtType `json:"tgt_type"` // 默认 glob
	Fun     FunSpec `json:"fun"`

	// 单函数：一组参数；复合命令：每个函数一组参数 ([]any)
	Arg []any  `json:"arg"`
	Ret string `json:"ret,omitempty"` // returner，逗号分隔

	Timeout time.Duration  `json:"timeout,omitempty"`
	Auth    map[string]any `json:"-"` // eauth/username/password/token，只给 Transport 鉴权，不下发

	// 以下由 Transport 在发布时填充
	Minions   []string  `json:"minions"`
	LeaseID   int64     `json:"lease_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PubData 发布结果
// nil 表示 Transport 直接拒绝了这个任务；JID 为空表示没有 jid；"0" 表示连不上 Master
type PubData struct {
	JID     string   `json:"jid"`
	Minions []string `json:"minions"`

	// 发布时的存储版本号，订阅返回结果时从这里开始，避免漏掉早到的结果
	Revision int64 `json:"-"`
}

// JIDUnreachable Master 不可达时返回的哨兵 jid
const JIDUnreachable = "0"

// Return 单个 minion 对某个 job 的返回
type Return struct {
	ID      string    `json:"id"` // minion id
	JID     string    `json:"jid"`
	Fun     FunSpec   `json:"fun"`
	Return  any       `json:"return,omitempty"` // 复合命令时是 {fun: result}
	Success bool      `json:"success"`
	Retcode int       `json:"retcode"`
	Stamp   time.Time `json:"_stamp"`
}
