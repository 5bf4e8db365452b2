package client

import (
	"fmt"

	"saltapi/pkg/model"
)

// KwargMarker 标记参数列表末尾的关键字参数字典
const KwargMarker = "__kwarg__"

// ConditionInput 把关键字参数作为最后一个参数追加进去
func ConditionInput(arg []any, kwarg map[string]any) []any {
	out := make([]any, 0, len(arg)+1)
	out = append(out, arg...)
	if len(kwarg) > 0 {
		entry := make(map[string]any, len(kwarg)+1)
		for k, v := range kwarg {
			entry[k] = v
		}
		entry[KwargMarker] = true
		out = append(out, entry)
	}
	return out
}

// EncodeCommand 规整函数和参数的形状，不做任何执行
//   - 单函数：arg 就是参数列表
//   - 复合命令：arg 里每个元素是对应函数的参数列表，长度必须一致，没参数也要放一个空列表
//
// 复合命令的 kwarg 会追加到每个函数的参数列表里
func EncodeCommand(fun model.FunSpec, arg []any, kwarg map[string]any) ([]any, error) {
	if len(fun.Names) == 0 {
		return nil, fmt.Errorf("%w: no function given", ErrInvalidFun)
	}
	for i, name := range fun.Names {
		if name == "" {
			return nil, fmt.Errorf("%w: function %d is empty", ErrInvalidFun, i)
		}
	}

	if !fun.Compound {
		if len(fun.Names) != 1 {
			return nil, fmt.Errorf("%w: %d functions in a single-function spec", ErrInvalidFun, len(fun.Names))
		}
		return ConditionInput(arg, kwarg), nil
	}

	if len(arg) != len(fun.Names) {
		return nil, fmt.Errorf("%w: %d functions but %d argument lists", ErrArgMismatch, len(fun.Names), len(arg))
	}
	out := make([]any, len(arg))
	for i, a := range arg {
		vec, err := argVector(a)
		if err != nil {
			return nil, fmt.Errorf("%w: arguments for %s: %v", ErrArgMismatch, fun.Names[i], err)
		}
		out[i] = ConditionInput(vec, kwarg)
	}
	return out, nil
}

func argVector(a any) ([]any, error) {
	switch v := a.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case []string:
		vec := make([]any, len(v))
		for i, s := range v {
			vec[i] = s
		}
		return vec, nil
	}
	return nil, fmt.Errorf("got %T, want a list", a)
}
