package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 返回给调用方的失败信息，文案和 salt 保持一致
const (
	MsgJIDNotFound       = "jid is not find!"
	MsgMasterUnreachable = "Failed to connect to the Master, is the Salt Master running?"
	MsgNoMinions         = "No minions matched the target. No command was sent, no jid was assigned."
	msgMinionStopped     = "salt minion is stopped! tgt: %s"

	msgAuthFailed = "Failed to authenticate!  This is most likely because this " +
		"user is not permitted to execute commands, but there is a " +
		"small possibility that a disk error occurred (check " +
		"disk/inode usage)."
)

var (
	// ErrAuthentication Transport 拒绝了任务，调用链直接中断
	ErrAuthentication = errors.New("authentication failed")
	// ErrInvalidFun 没有函数名或者函数名为空
	ErrInvalidFun = errors.New("invalid function spec")
	// ErrArgMismatch 复合命令的函数和参数列表对不上
	ErrArgMismatch = errors.New("compound command argument mismatch")
)

// AuthenticationError PubData 为空
// 大概率是用户没有权限，但也可能是本地磁盘/inode 出问题，这里不做区分
type AuthenticationError struct {
	Tgt string
	Fun string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s tgt: %s, fun: %s", msgAuthFailed, e.Tgt, e.Fun)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }

// Failure 运行期失败，作为数据返回而不是 error
type Failure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func newFailure(msg string) *Failure {
	return &Failure{Success: false, Message: msg}
}

// Result Cmd 的结果：要么是 minion -> 返回值，要么是 Failure
type Result struct {
	Returns map[string]any
	Failure *Failure

	// 发布成功时才有
	JID     string
	Minions []string
}

// OK 是否拿到了结果
func (r *Result) OK() bool {
	return r != nil && r.Failure == nil
}

// MarshalJSON 成功时是 {minion: ret}，失败时是 {"success": false, "message": ...}
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Failure != nil {
		return json.Marshal(r.Failure)
	}
	if r.Returns == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Returns)
}
