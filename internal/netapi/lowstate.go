package netapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"saltapi/internal/client"
	"saltapi/pkg/model"
)

// ClientLocal 目前唯一支持的 client
const ClientLocal = "local"

// errBadRequest 请求本身有问题，对应 400
var errBadRequest = errors.New("bad request")

// Lowstate 一个 lowstate chunk
type Lowstate struct {
	Client   string         `json:"client"`
	Tgt      string         `json:"tgt"`
	TgtType  model.TgtType  `json:"tgt_type"`
	ExprForm model.TgtType  `json:"expr_form"` // 老版本的写法
	Fun      model.FunSpec  `json:"fun"`
	Arg      any            `json:"arg"`
	Kwarg    map[string]any `json:"kwarg"`
	Timeout  float64        `json:"timeout"` // 秒
	Ret      string         `json:"ret"`
	JID      string         `json:"jid"`

	Eauth    string `json:"eauth,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// decodeLowstate body 可以是单个对象也可以是对象数组
func decodeLowstate(data []byte) ([]Lowstate, error) {
	var chunks []Lowstate
	if err := json.Unmarshal(data, &chunks); err == nil {
		if len(chunks) == 0 {
			return nil, fmt.Errorf("%w: no lowstate data was sent", errBadRequest)
		}
		return chunks, nil
	}
	var chunk Lowstate
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("%w: invalid lowstate: %v", errBadRequest, err)
	}
	return []Lowstate{chunk}, nil
}

// cmdRequest 转成 LocalClient 的参数
func (l Lowstate) cmdRequest() (client.CmdRequest, error) {
	if l.Client != ClientLocal {
		return client.CmdRequest{}, fmt.Errorf("%w: client '%s' is not supported", errBadRequest, l.Client)
	}
	if l.Tgt == "" {
		return client.CmdRequest{}, fmt.Errorf("%w: tgt is required", errBadRequest)
	}
	if len(l.Fun.Names) == 0 {
		return client.CmdRequest{}, fmt.Errorf("%w: fun is required", errBadRequest)
	}

	tgtType := l.TgtType
	if tgtType == "" {
		tgtType = l.ExprForm
	}
	if tgtType != "" && !tgtType.Valid() {
		return client.CmdRequest{}, fmt.Errorf("%w: unknown tgt_type %q", errBadRequest, tgtType)
	}

	return client.CmdRequest{
		Tgt:     l.Tgt,
		TgtType: tgtType,
		Fun:     l.Fun,
		Arg:     argList(l.Arg),
		Kwarg:   l.Kwarg,
		Timeout: time.Duration(l.Timeout * float64(time.Second)),
		Ret:     l.Ret,
		JID:     l.JID,
		Extra:   l.extra(),
	}, nil
}

func (l Lowstate) extra() map[string]any {
	extra := make(map[string]any)
	for k, v := range map[string]string{
		"eauth":    l.Eauth,
		"username": l.Username,
		"password": l.Password,
		"token":    l.Token,
	} {
		if v != "" {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// argList arg 允许直接传单个值
func argList(v any) []any {
	switch a := v.(type) {
	case nil:
		return nil
	case []any:
		return a
	}
	return []any{v}
}
