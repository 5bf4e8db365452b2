package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltapi/pkg/model"
)

func testNodes() []*model.Node {
	return []*model.Node{
		{
			ID:     "web1",
			Status: model.NodeReady,
			Grains: map[string]any{
				"os":    "Ubuntu",
				"roles": []any{"web", "cache"},
				"ip_interfaces": map[string]any{
					"eth0": []any{"10.0.0.11"},
				},
			},
			Pillar: map[string]any{"env": "prod"},
		},
		{
			ID:     "web2",
			Status: model.NodeReady,
			Grains: map[string]any{"os": "CentOS", "roles": []any{"web"}},
			Pillar: map[string]any{"env": "staging"},
		},
		{
			ID:     "db1",
			Status: model.NodeReady,
			Grains: map[string]any{"os": "Ubuntu", "roles": []any{"db"}},
		},
		{
			ID:     "web3",
			Status: model.NodeOffline,
			Grains: map[string]any{"os": "Ubuntu"},
		},
	}
}

func TestMatchNodes(t *testing.T) {
	nodegroups := map[string][]string{"webs": {"web*"}, "all": {"*"}}

	tests := []struct {
		name    string
		tgt     string
		tgtType model.TgtType
		want    []string
	}{
		{"glob all", "*", model.TgtGlob, []string{"db1", "web1", "web2"}},
		{"glob default type", "web*", "", []string{"web1", "web2"}},
		{"glob single char", "web?", model.TgtGlob, []string{"web1", "web2"}},
		{"glob no match", "mail*", model.TgtGlob, []string{}},
		{"pcre", `^(web1|db\d)$`, model.TgtPCRE, []string{"db1", "web1"}},
		{"list", "web1, db1,unknown", model.TgtList, []string{"db1", "web1"}},
		{"grain", "os:Ubuntu", model.TgtGrain, []string{"db1", "web1"}},
		{"grain glob", "os:Cent*", model.TgtGrain, []string{"web2"}},
		{"grain list value", "roles:web", model.TgtGrain, []string{"web1", "web2"}},
		{"grain nested", "ip_interfaces:eth0:10.0.*", model.TgtGrain, []string{"web1"}},
		{"grain key exists", "ip_interfaces:eth0", model.TgtGrain, []string{"web1"}},
		{"grain_pcre", "os:(Ubuntu|CentOS)", model.TgtGrainPCRE, []string{"db1", "web1", "web2"}},
		{"pillar", "env:prod", model.TgtPillar, []string{"web1"}},
		{"nodegroup", "webs", model.TgtNodegroup, []string{"web1", "web2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchNodes(tt.tgt, tt.tgtType, testNodes(), nodegroups)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchNodesSkipsOfflineNodes(t *testing.T) {
	got, err := MatchNodes("web3", model.TgtList, testNodes(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMatchNodesErrors(t *testing.T) {
	_, err := MatchNodes("G@os:Ubuntu and web*", model.TgtCompound, testNodes(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedMatch)

	_, err = MatchNodes("%web", model.TgtRange, testNodes(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedMatch)

	_, err = MatchNodes("web*", model.TgtType("ipcidr"), testNodes(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedMatch)

	_, err = MatchNodes("missing", model.TgtNodegroup, testNodes(), map[string][]string{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorContains(t, err, `nodegroup "missing" is not defined`)

	_, err = MatchNodes("web(", model.TgtPCRE, testNodes(), nil)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = MatchNodes("web[", model.TgtGlob, testNodes(), nil)
	assert.ErrorIs(t, err, ErrInvalidTarget)
}
