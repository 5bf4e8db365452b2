package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"saltapi/internal/client"
	"saltapi/internal/config"
	saltlog "saltapi/internal/log"
	"saltapi/pkg/model"
	"saltapi/pkg/store"
)

// argSeparator 复合命令里单独出现的逗号把参数分给下一个函数
const argSeparator = ","

var kwargPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

type options struct {
	configDir string
	logLevel  string
	tgtType   string
	timeout   time.Duration
	ret       string
	out       string
}

func parseFlags(args []string) (*options, []string, error) {
	opts := &options{}
	var pcre, list, grain, grainPCRE, pillar, nodegroup bool
	var timeoutSec int

	fs := flag.NewFlagSet("salt", flag.ContinueOnError)
	fs.StringVar(&opts.configDir, "c", "", "configuration directory")
	fs.StringVar(&opts.logLevel, "l", "quiet", "console log level")
	fs.BoolVar(&pcre, "E", false, "target with a regular expression")
	fs.BoolVar(&list, "L", false, "target a comma separated list of minion ids")
	fs.BoolVar(&grain, "G", false, "target with a grain glob, e.g. os:Ubuntu")
	fs.BoolVar(&grainPCRE, "P", false, "target with a grain regular expression")
	fs.BoolVar(&pillar, "I", false, "target with a pillar glob")
	fs.BoolVar(&nodegroup, "N", false, "target a nodegroup")
	fs.StringVar(&opts.tgtType, "tgt-type", "", "target type")
	fs.IntVar(&timeoutSec, "t", 0, "seconds to wait after the last minion returns")
	fs.StringVar(&opts.ret, "return", "", "comma separated returners")
	fs.StringVar(&opts.out, "out", "yaml", "output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	for _, sel := range []struct {
		on bool
		t  model.TgtType
	}{
		{pcre, model.TgtPCRE},
		{list, model.TgtList},
		{grain, model.TgtGrain},
		{grainPCRE, model.TgtGrainPCRE},
		{pillar, model.TgtPillar},
		{nodegroup, model.TgtNodegroup},
	} {
		if !sel.on {
			continue
		}
		if opts.tgtType != "" && opts.tgtType != string(sel.t) {
			return nil, nil, errors.New("only one target type may be given")
		}
		opts.tgtType = string(sel.t)
	}
	opts.timeout = time.Duration(timeoutSec) * time.Second
	return opts, fs.Args(), nil
}

// buildRequest <tgt> <fun>[,<fun>...] [args...]
func buildRequest(opts *options, positional []string) (client.CmdRequest, error) {
	if len(positional) < 2 {
		return client.CmdRequest{}, errors.New("usage: salt [options] <target> <function> [arguments]")
	}
	req := client.CmdRequest{
		Tgt:     positional[0],
		TgtType: model.TgtType(opts.tgtType),
		Timeout: opts.timeout,
		Ret:     opts.ret,
	}
	if req.TgtType != "" && !req.TgtType.Valid() {
		return client.CmdRequest{}, fmt.Errorf("unknown target type %q", req.TgtType)
	}

	funs, rest := positional[1], positional[2:]
	if !strings.Contains(funs, ",") {
		req.Fun = model.Fun(funs)
		req.Arg, req.Kwarg = parseArgs(rest)
		return req, nil
	}

	names := strings.Split(funs, ",")
	req.Fun = model.Funs(names...)
	groups, err := splitCompoundArgs(rest, len(names))
	if err != nil {
		return client.CmdRequest{}, err
	}
	req.Arg = make([]any, len(groups))
	for i, g := range groups {
		arg, kwarg := parseArgs(g)
		req.Arg[i] = client.ConditionInput(arg, kwarg)
	}
	return req, nil
}

// splitCompoundArgs 两种写法：
//   - 单独的 "," 分隔各函数的参数：salt '*' test.echo,cmd.run hi , uptime
//   - 每个参数内部用逗号分给各函数：salt '*' test.echo,cmd.run hi,uptime
func splitCompoundArgs(args []string, n int) ([][]string, error) {
	groups := make([][]string, n)
	seps := 0
	for _, a := range args {
		if a == argSeparator {
			seps++
		}
	}

	if seps == n-1 {
		i := 0
		for _, a := range args {
			if a == argSeparator {
				i++
				continue
			}
			groups[i] = append(groups[i], a)
		}
		return groups, nil
	}

	for _, a := range args {
		parts := strings.Split(a, ",")
		if len(parts) > n {
			return nil, fmt.Errorf("argument %q has more parts than the %d functions", a, n)
		}
		for i, p := range parts {
			if p != "" {
				groups[i] = append(groups[i], p)
			}
		}
	}
	return groups, nil
}

// parseArgs key=value 作为关键字参数，其余按 YAML 标量解析
func parseArgs(args []string) ([]any, map[string]any) {
	var (
		pos    []any
		kwargs map[string]any
	)
	for _, a := range args {
		if m := kwargPattern.FindStringSubmatch(a); m != nil {
			if kwargs == nil {
				kwargs = make(map[string]any)
			}
			kwargs[m[1]] = parseValue(m[2])
			continue
		}
		pos = append(pos, parseValue(a))
	}
	return pos, kwargs
}

func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	if _, ok := v.(map[string]any); ok {
		// "a: b" 这种不当成字典
		return s
	}
	return v
}

func printResult(w io.Writer, format string, res *client.Result) error {
	var v any = res.Returns
	if res.Failure != nil {
		v = res.Failure
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, positional, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	req, err := buildRequest(opts, positional)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.Load(config.ConfigDir(opts.configDir), config.MasterFile, nil)
	if err != nil {
		fmt.Fprintf(stderr, "salt: %v\n", err)
		return 1
	}
	logger, closer, err := saltlog.New(saltlog.Options{Level: opts.logLevel, Console: stderr})
	if err != nil {
		fmt.Fprintf(stderr, "salt: %v\n", err)
		return 1
	}
	defer closer.Close()

	etcd, err := store.NewEtcdManager(store.EtcdOptions{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout.Duration(),
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
		Prefix:      cfg.Etcd.Prefix,
		KeepJobs:    cfg.KeepJobs.Duration(),
		Nodegroups:  cfg.Nodegroups,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "salt: %v\n", err)
		return 1
	}
	defer etcd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lc := client.NewLocalClient(etcd, client.Options{
		Timeout:      cfg.Timeout.Duration(),
		OrderMasters: cfg.OrderMasters,
		Logger:       logger,
	})
	return execute(ctx, lc, req, opts.out, stdout, stderr)
}

type dispatcher interface {
	Cmd(ctx context.Context, req client.CmdRequest) (*client.Result, error)
}

// execute 下发并打印结果；运行期失败也打印，但退出码为 1
func execute(ctx context.Context, d dispatcher, req client.CmdRequest, format string, stdout, stderr io.Writer) int {
	res, err := d.Cmd(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		if errors.Is(err, client.ErrAuthentication) {
			return 77 // EX_NOPERM
		}
		return 1
	}
	if err := printResult(stdout, format, res); err != nil {
		fmt.Fprintf(stderr, "salt: %v\n", err)
		return 1
	}
	if !res.OK() {
		return 1
	}
	return 0
}
