package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LevelCritical / LevelQuiet 对应 salt 的 critical 和 quiet
const (
	LevelCritical = slog.LevelError + 4
	LevelQuiet    = slog.Level(100)
)

var (
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer = nopCloser{}
)

// Options 控制台和日志文件各有自己的级别
type Options struct {
	Level     string    // log_level
	File      string    // log_file，可以是路径或者 tcp:// udp:// file:// 地址
	FileLevel string    // log_level_logfile，空则跟 Level 一致
	Console   io.Writer // 默认 os.Stderr
}

// ParseLevel 解析级别名，非法值回退到 INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "garbage", "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	case "quiet":
		return LevelQuiet
	default:
		return slog.LevelInfo
	}
}

// New 按 Options 构造 logger，返回的 Closer 负责关闭日志文件
func New(opts Options) (*slog.Logger, io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlers := []slog.Handler{
		slog.NewJSONHandler(console, &slog.HandlerOptions{Level: ParseLevel(opts.Level)}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		w, err := openSink(opts.File)
		if err != nil {
			return nil, nil, err
		}
		fileLevel := opts.FileLevel
		if fileLevel == "" {
			fileLevel = opts.Level
		}
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(fileLevel)}))
		closer = w
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(fanoutHandler(handlers)), closer, nil
}

// openSink 普通路径或 file:// 追加写文件，tcp:// udp:// 走网络
func openSink(target string) (io.WriteCloser, error) {
	if strings.HasPrefix(target, "tcp://") || strings.HasPrefix(target, "udp://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse log sink %q: %w", target, err)
		}
		conn, err := net.Dial(u.Scheme, u.Host)
		if err != nil {
			return nil, fmt.Errorf("dial log sink %q: %w", target, err)
		}
		return conn, nil
	}

	path := strings.TrimPrefix(target, "file://")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Setup 初始化进程级的默认 logger，已经初始化过就什么都不做
func Setup(opts Options) error {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		return nil
	}
	l, c, err := New(opts)
	if err != nil {
		return err
	}
	logger, closer = l, c
	slog.SetDefault(l)
	return nil
}

// Close 关掉 Setup 打开的日志文件，之后可以重新 Setup
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := closer.Close()
	logger, closer = nil, nopCloser{}
	return err
}

// Get 没有 Setup 过就用 info 级别输出到 stderr
func Get() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		return l
	}
	if err := Setup(Options{Level: "info"}); err != nil {
		return slog.Default()
	}
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// WithComponent 带上 component 字段
func WithComponent(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Get()
	}
	return l.With(slog.String("component", name))
}

func WithJob(l *slog.Logger, jid string) *slog.Logger {
	if l == nil {
		l = Get()
	}
	return l.With(slog.String("jid", jid))
}

// Nop 丢弃所有日志，测试用
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanoutHandler 同一条记录写给多个 handler，各自按自己的级别过滤
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
