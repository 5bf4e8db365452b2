package store

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"saltapi/pkg/model"
)

// matchFunc 判断单个节点是否命中目标
type matchFunc func(node *model.Node) bool

// MatchNodes 遍历节点，返回命中目标的 minion id (已排序)
func MatchNodes(tgt string, tgtType model.TgtType, nodes []*model.Node, nodegroups map[string][]string) ([]string, error) {
	match, err := newMatcher(tgt, tgtType, nodegroups)
	if err != nil {
		return nil, err
	}

	minions := make([]string, 0)
	for _, node := range nodes {
		if checkNode(node, match) {
			minions = append(minions, node.ID)
		}
	}
	sort.Strings(minions)
	return minions, nil
}

// checkNode 先看健康状态，再看目标表达式
func checkNode(node *model.Node, match matchFunc) bool {
	if node.Status != model.NodeReady {
		return false
	}
	return match(node)
}

func newMatcher(tgt string, tgtType model.TgtType, nodegroups map[string][]string) (matchFunc, error) {
	switch tgtType {
	case "", model.TgtGlob:
		if _, err := path.Match(tgt, ""); err != nil {
			return nil, fmt.Errorf("%w: glob %q: %v", ErrInvalidTarget, tgt, err)
		}
		return func(n *model.Node) bool { return globMatch(tgt, n.ID) }, nil

	case model.TgtPCRE:
		re, err := regexp.Compile(tgt)
		if err != nil {
			return nil, fmt.Errorf("%w: pcre %q: %v", ErrInvalidTarget, tgt, err)
		}
		return func(n *model.Node) bool { return re.MatchString(n.ID) }, nil

	case model.TgtList:
		ids := make(map[string]struct{})
		for _, id := range strings.Split(tgt, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids[id] = struct{}{}
			}
		}
		return func(n *model.Node) bool {
			_, ok := ids[n.ID]
			return ok
		}, nil

	case model.TgtGrain, model.TgtPillar:
		pick := pickGrains
		if tgtType == model.TgtPillar {
			pick = pickPillar
		}
		return func(n *model.Node) bool {
			return subdictMatch(pick(n), tgt, globMatch)
		}, nil

	case model.TgtGrainPCRE:
		// key 和 pattern 的分界要到匹配时才知道，非法表达式视为不命中
		return func(n *model.Node) bool {
			return subdictMatch(n.Grains, tgt, func(pattern, value string) bool {
				re, err := regexp.Compile(pattern)
				return err == nil && re.MatchString(value)
			})
		}, nil

	case model.TgtNodegroup:
		patterns, ok := nodegroups[tgt]
		if !ok {
			return nil, fmt.Errorf("%w: nodegroup %q is not defined", ErrInvalidTarget, tgt)
		}
		return func(n *model.Node) bool {
			for _, p := range patterns {
				if globMatch(p, n.ID) {
					return true
				}
			}
			return false
		}, nil

	case model.TgtRange, model.TgtCompound:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMatch, tgtType)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMatch, tgtType)
}

func pickGrains(n *model.Node) map[string]any { return n.Grains }
func pickPillar(n *model.Node) map[string]any { return n.Pillar }

func globMatch(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// subdictMatch "os:Ubuntu" / "roles:web" / "ip_interfaces:eth0:10.*"
// 每个冒号都可能是 key 和 value 的分界，依次尝试
func subdictMatch(data map[string]any, expr string, match func(pattern, value string) bool) bool {
	if len(data) == 0 {
		return false
	}
	for i := 0; i < len(expr); i++ {
		if expr[i] != ':' {
			continue
		}
		keys, pattern := strings.Split(expr[:i], ":"), expr[i+1:]
		if v, ok := lookup(data, keys); ok && matchValue(v, pattern, match) {
			return true
		}
	}
	return false
}

func lookup(data map[string]any, keys []string) (any, bool) {
	var cur any = data
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// matchValue 列表只要有一个元素命中即可
func matchValue(v any, pattern string, match func(pattern, value string) bool) bool {
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if matchValue(item, pattern, match) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range val {
			if match(pattern, item) {
				return true
			}
		}
		return false
	case map[string]any:
		// 命中的是一个子字典，按 key 存在处理
		_, ok := val[pattern]
		return ok
	case nil:
		return false
	}
	return match(pattern, fmt.Sprint(v))
}
