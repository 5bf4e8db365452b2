package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Seconds salt 里的整数秒，也接受 "30s" 这样的写法
type Seconds time.Duration

func (s Seconds) Duration() time.Duration { return time.Duration(s) }

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	d, err := decodeDuration(value, time.Second)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

// Hours keep_jobs 这种按小时算的整数
type Hours time.Duration

func (h Hours) Duration() time.Duration { return time.Duration(h) }

func (h *Hours) UnmarshalYAML(value *yaml.Node) error {
	d, err := decodeDuration(value, time.Hour)
	if err != nil {
		return err
	}
	*h = Hours(d)
	return nil
}

// decodeDuration 数字按 unit 换算，字符串走 time.ParseDuration
func decodeDuration(value *yaml.Node, unit time.Duration) (time.Duration, error) {
	if value.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	switch value.ShortTag() {
	case "!!int", "!!float":
		n, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", value.Line, err)
		}
		return time.Duration(n * float64(unit)), nil
	case "!!str":
		d, err := time.ParseDuration(value.Value)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", value.Line, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("line %d: cannot use %s %q as duration", value.Line, value.ShortTag(), value.Value)
}
