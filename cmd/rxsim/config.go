package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rxring-go/rx"
	"github.com/romshark/rxring-go/simq"
)

// headerRoom is the largest Ethernet + IPv6 + TCP header with timestamps
// pktgen builds.
const headerRoom = 14 + 40 + 20 + 12

type Config struct {
	Queues int `yaml:"queues"`
	// Frames is the number of frames generated per queue.
	Frames uint64 `yaml:"frames"`
	// RatePPS paces each queue's generator; zero means unlimited.
	RatePPS uint64 `yaml:"rate-pps"`

	Traffic struct {
		Flows       int  `yaml:"flows"`
		Burst       int  `yaml:"burst"`
		SegmentSize int  `yaml:"segment-size"`
		IPv6        bool `yaml:"ipv6"`
		Timestamps  bool `yaml:"timestamps"`
	} `yaml:"traffic"`

	Queue struct {
		Capacity  int  `yaml:"capacity"`
		CQSize    int  `yaml:"cq-size"`
		WQESize   int  `yaml:"wqe-size"`
		Budget    int  `yaml:"budget"`
		LRO       bool `yaml:"lro"`
		LROSlots  int  `yaml:"lro-slots"`
		RxCsum    bool `yaml:"rxcsum"`
		PoolLimit int  `yaml:"pool-limit"`
		InboxSize int  `yaml:"inbox-size"`
	} `yaml:"queue"`

	StatsInterval time.Duration `yaml:"stats-interval"`
	LogLevel      string        `yaml:"log-level"`
}

func defaultConfig() Config {
	var c Config
	c.Queues = 4
	c.Frames = 100_000
	c.Traffic.Flows = 8
	c.Traffic.Burst = 8
	c.Traffic.SegmentSize = 1448
	c.Queue.Capacity = simq.DefaultCapacity
	c.Queue.CQSize = simq.DefaultCQSize
	c.Queue.WQESize = rx.DefaultWQESize
	c.Queue.Budget = 256
	c.Queue.LRO = true
	c.Queue.LROSlots = rx.DefaultLROSlots
	c.Queue.RxCsum = true
	c.StatsInterval = time.Second
	c.LogLevel = "info"
	return c
}

// loadConfig reads the optional YAML file over the defaults and applies
// command line overrides.
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("rxsim", flag.ContinueOnError)
	fConfig := fs.String("config", "", "path to config YAML file")
	fQueues := fs.Int("q", 0, "number of receive queues")
	fFrames := fs.Uint64("n", 0, "frames per queue")
	fRate := fs.Uint64("r", 0, "frames per second per queue")
	fFlows := fs.Int("f", 0, "TCP flows per queue")
	fNoLRO := fs.Bool("nolro", false, "disable LRO")
	f6 := fs.Bool("6", false, "generate IPv6 flows")
	fLogLevel := fs.String("log", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fQueues != 0 {
		conf.Queues = *fQueues
	}
	if *fFrames != 0 {
		conf.Frames = *fFrames
	}
	if *fRate != 0 {
		conf.RatePPS = *fRate
	}
	if *fFlows != 0 {
		conf.Traffic.Flows = *fFlows
	}
	if *fNoLRO {
		conf.Queue.LRO = false
	}
	if *f6 {
		conf.Traffic.IPv6 = true
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) validate() error {
	if c.Queues <= 0 {
		return errors.New("queues must be > 0")
	}
	if c.Frames == 0 {
		return errors.New("frames must be > 0")
	}
	if c.Traffic.Flows <= 0 || c.Traffic.Flows > 65535-1024 {
		return errors.New("traffic.flows must be between 1 and 64511")
	}
	if c.Traffic.Burst <= 0 {
		return errors.New("traffic.burst must be > 0")
	}
	if c.Queue.WQESize <= rx.NetIPAlign+headerRoom {
		return fmt.Errorf("queue.wqe-size must be > %d", rx.NetIPAlign+headerRoom)
	}
	maxSeg := c.Queue.WQESize - rx.NetIPAlign - headerRoom
	if c.Traffic.SegmentSize <= 0 || c.Traffic.SegmentSize > maxSeg {
		return fmt.Errorf("traffic.segment-size must be between 1 and %d", maxSeg)
	}
	if c.StatsInterval <= 0 {
		return errors.New("stats-interval must be > 0")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	return nil
}
