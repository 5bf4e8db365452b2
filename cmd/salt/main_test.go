package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saltapi/internal/client"
	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
	"saltapi/pkg/store"
)

func TestBuildRequestSingle(t *testing.T) {
	opts, pos, err := parseFlags([]string{"-L", "-t", "3", "--return", "log", "w1,w2", "test.arg", "hello", "10", "true", "foo=bar", "n=2"})
	require.NoError(t, err)

	req, err := buildRequest(opts, pos)
	require.NoError(t, err)
	assert.Equal(t, "w1,w2", req.Tgt)
	assert.Equal(t, model.TgtList, req.TgtType)
	assert.Equal(t, 3*time.Second, req.Timeout)
	assert.Equal(t, "log", req.Ret)
	assert.Equal(t, model.Fun("test.arg"), req.Fun)
	assert.Equal(t, []any{"hello", 10, true}, req.Arg)
	assert.Equal(t, map[string]any{"foo": "bar", "n": 2}, req.Kwarg)
}

func TestBuildRequestCompoundSeparator(t *testing.T) {
	opts, pos, err := parseFlags([]string{"*", "test.echo,cmd.run,test.ping", "hi", ",", "uptime", ","})
	require.NoError(t, err)

	req, err := buildRequest(opts, pos)
	require.NoError(t, err)
	assert.Equal(t, model.Funs("test.echo", "cmd.run", "test.ping"), req.Fun)
	assert.Equal(t, []any{[]any{"hi"}, []any{"uptime"}, []any{}}, req.Arg)
}

func TestBuildRequestCompoundCommaSplit(t *testing.T) {
	opts, pos, err := parseFlags([]string{"*", "test.echo,cmd.run", "hi,uptime", "cwd=/tmp"})
	require.NoError(t, err)

	req, err := buildRequest(opts, pos)
	require.NoError(t, err)
	assert.Equal(t, []any{
		[]any{"hi", map[string]any{"cwd": "/tmp", client.KwargMarker: true}},
		[]any{"uptime"},
	}, req.Arg)
}

func TestBuildRequestErrors(t *testing.T) {
	opts, pos, err := parseFlags([]string{"*"})
	require.NoError(t, err)
	_, err = buildRequest(opts, pos)
	assert.Error(t, err)

	opts, pos, err = parseFlags([]string{"*", "a.b,c.d", "x,y,z"})
	require.NoError(t, err)
	_, err = buildRequest(opts, pos)
	assert.Error(t, err)

	_, _, err = parseFlags([]string{"-E", "-L", "*", "test.ping"})
	assert.Error(t, err)

	opts, pos, err = parseFlags([]string{"--tgt-type", "ipcidr", "*", "test.ping"})
	require.NoError(t, err)
	_, err = buildRequest(opts, pos)
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 1.5, parseValue("1.5"))
	assert.Equal(t, "hello world", parseValue("hello world"))
	assert.Equal(t, "a: b", parseValue("a: b"))
	assert.Equal(t, "", parseValue(""))
	assert.Equal(t, []any{1, 2}, parseValue("[1, 2]"))
}

type fakeDispatcher struct {
	res *client.Result
	err error
}

func (f fakeDispatcher) Cmd(context.Context, client.CmdRequest) (*client.Result, error) {
	return f.res, f.err
}

func TestExecuteYAMLOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := fakeDispatcher{res: &client.Result{Returns: map[string]any{
		"w1": true,
		"w2": map[string]any{"cmd.run": "up 3 days"},
	}}}

	code := execute(context.Background(), d, client.CmdRequest{}, "yaml", &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "w1: true\nw2:\n  cmd.run: up 3 days\n", stdout.String())
}

func TestExecuteFailureAndErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	d := fakeDispatcher{res: &client.Result{Failure: &client.Failure{Message: "salt minion is stopped! tgt: w1"}}}
	assert.Equal(t, 1, execute(context.Background(), d, client.CmdRequest{}, "json", &stdout, &stderr))
	assert.JSONEq(t, `{"success": false, "message": "salt minion is stopped! tgt: w1"}`, stdout.String())

	stdout.Reset()
	d = fakeDispatcher{err: &client.AuthenticationError{Tgt: "*", Fun: "test.ping"}}
	assert.Equal(t, 77, execute(context.Background(), d, client.CmdRequest{}, "yaml", &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Failed to authenticate!")
	assert.Empty(t, stdout.String())
}

func TestExecuteAgainstMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore(saltlog.Nop(), nil)
	require.NoError(t, st.RegisterNode(ctx, &model.Node{ID: "w1", Status: model.NodeReady}))
	events := st.WatchJobs(ctx)
	go func() {
		for ev := range events {
			_ = st.SaveReturn(context.Background(), &model.Return{ID: "w1", JID: ev.Job.JID, Return: "pong"})
		}
	}()

	lc := client.NewLocalClient(st, client.Options{Timeout: time.Second, Logger: saltlog.Nop()})
	var stdout, stderr bytes.Buffer
	code := execute(ctx, lc, client.CmdRequest{Tgt: "w1", Fun: model.Fun("test.ping")}, "yaml", &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "w1: pong\n", stdout.String())
}
