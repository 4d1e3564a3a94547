// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/copystructure"

	"github.com/hashicorp/drover/drover"
	"github.com/hashicorp/drover/drover/lease"
	"github.com/hashicorp/drover/drover/structs"
)

// Config is the agent configuration, decoded from HCL.
type Config struct {
	BindAddr string   `hcl:"bind_addr"`
	LogLevel string   `hcl:"log_level"`

	Scheduler *SchedulerConfig `hcl:"scheduler"`
	Sweeps    *SweepsConfig    `hcl:"sweeps"`
	Lease     *LeaseConfig     `hcl:"lease"`
}

// SchedulerConfig tunes the scheduler core. Durations and sizes are
// strings in the file ("6m", "16MB") and converted when materialized.
type SchedulerConfig struct {
	ClaimRetries         *int   `hcl:"claim_retries"`
	TxnRetries           *int   `hcl:"txn_retries"`
	BotPingTolerance     string `hcl:"bot_ping_tolerance"`
	NegativeCacheTTL     string `hcl:"negative_cache_ttl"`
	DedupWindow          string `hcl:"dedup_window"`
	OutputLimit          string `hcl:"output_limit"`
	MaxInlineExpirations *int   `hcl:"max_inline_expirations"`
	BotVersion           string `hcl:"bot_version"`
}

// SweepsConfig holds the cron expression driving each periodic sweep.
// An empty string disables that sweep.
type SweepsConfig struct {
	ExpiredQueue string `hcl:"expired_queue"`
	DeadBots     string `hcl:"dead_bots"`
	DedupIndex   string `hcl:"dedup_index"`
	Outbox       string `hcl:"outbox"`
	LeaseTick    string `hcl:"lease_tick"`
	Utilization  string `hcl:"utilization"`
}

// LeaseConfig configures the lease manager and its machine types.
type LeaseConfig struct {
	ServerURL           string  `hcl:"server_url"`
	ProviderURL         string  `hcl:"provider_url"`
	ScaleUpFactor       *float64 `hcl:"scale_up_factor"`
	DampenFraction      *float64 `hcl:"dampen_fraction"`
	ConnectionTolerance string  `hcl:"connection_tolerance"`

	MachineTypes map[string]*MachineTypeConfig `hcl:"machine_type"`
}

// MachineTypeConfig is one machine_type block.
type MachineTypeConfig struct {
	Description       string              `hcl:"description"`
	Disabled          bool                `hcl:"disabled"`
	TargetSize        int                 `hcl:"target_size"`
	LeaseDuration     string              `hcl:"lease_duration"`
	LeaseIndefinitely bool                `hcl:"lease_indefinitely"`
	EarlyRelease      string              `hcl:"early_release"`
	Capabilities      map[string][]string `hcl:"capabilities"`
	Schedule          *ScheduleConfig     `hcl:"schedule"`
}

// ScheduleConfig is a machine type's schedule block.
type ScheduleConfig struct {
	Daily     []*DailyConfig     `hcl:"daily"`
	LoadBased *LoadBasedConfig   `hcl:"load_based"`
}

// DailyConfig is one daily interval. Days use 0 = Monday through
// 6 = Sunday.
type DailyConfig struct {
	Start      string `hcl:"start"`
	End        string `hcl:"end"`
	Days       []int  `hcl:"days"`
	TargetSize int    `hcl:"target_size"`
}

// LoadBasedConfig bounds load-based scaling.
type LoadBasedConfig struct {
	MinimumSize int `hcl:"minimum_size"`
	MaximumSize int `hcl:"maximum_size"`
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "127.0.0.1:4760",
		LogLevel: "INFO",
		Sweeps: &SweepsConfig{
			ExpiredQueue: "* * * * *",
			DeadBots:     "* * * * *",
			DedupIndex:   "0 * * * *",
			Outbox:       "*/5 * * * *",
			LeaseTick:    "* * * * *",
			Utilization:  "* * * * *",
		},
	}
}

// LoadConfigFile reads and decodes an HCL config file, merged over the
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return ParseConfig(string(raw))
}

// ParseConfig decodes HCL text, merged over the defaults.
func ParseConfig(text string) (*Config, error) {
	config := DefaultConfig()
	if err := hcl.Decode(config, text); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the pieces Materialize would choke on, so errors carry
// config context rather than surfacing at runtime.
func (c *Config) Validate() error {
	if c.Sweeps != nil {
		for name, expr := range map[string]string{
			"expired_queue": c.Sweeps.ExpiredQueue,
			"dead_bots":     c.Sweeps.DeadBots,
			"dedup_index":   c.Sweeps.DedupIndex,
			"outbox":        c.Sweeps.Outbox,
			"lease_tick":    c.Sweeps.LeaseTick,
			"utilization":   c.Sweeps.Utilization,
		} {
			if expr == "" {
				continue
			}
			if _, err := cronexpr.Parse(expr); err != nil {
				return fmt.Errorf("sweep %s: bad cron expression %q: %w", name, expr, err)
			}
		}
	}
	if _, err := c.SchedulerConfig(); err != nil {
		return err
	}
	if _, err := c.LeaseManagerConfig(); err != nil {
		return err
	}
	if _, err := c.MachineTypes(); err != nil {
		return err
	}
	return nil
}

// Copy deep-copies the config, so a reload can never mutate a config a
// running component still holds.
func (c *Config) Copy() *Config {
	dup, err := copystructure.Copy(c)
	if err != nil {
		panic(fmt.Sprintf("config copy: %v", err))
	}
	return dup.(*Config)
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", name, value, err)
	}
	return d, nil
}

// SchedulerConfig materializes the drover core config.
func (c *Config) SchedulerConfig() (*drover.Config, error) {
	out := drover.DefaultConfig()
	sc := c.Scheduler
	if sc == nil {
		return out, nil
	}
	if sc.ClaimRetries != nil {
		out.ClaimRetries = *sc.ClaimRetries
	}
	if sc.TxnRetries != nil {
		out.TxnRetries = *sc.TxnRetries
	}
	if sc.MaxInlineExpirations != nil {
		out.MaxInlineExpirations = *sc.MaxInlineExpirations
	}
	var err error
	if out.BotPingTolerance, err = parseDuration("bot_ping_tolerance", sc.BotPingTolerance, out.BotPingTolerance); err != nil {
		return nil, err
	}
	if out.NegativeCacheTTL, err = parseDuration("negative_cache_ttl", sc.NegativeCacheTTL, out.NegativeCacheTTL); err != nil {
		return nil, err
	}
	if out.DedupWindow, err = parseDuration("dedup_window", sc.DedupWindow, out.DedupWindow); err != nil {
		return nil, err
	}
	if sc.OutputLimit != "" {
		limit, err := humanize.ParseBytes(sc.OutputLimit)
		if err != nil {
			return nil, fmt.Errorf("output_limit: %w", err)
		}
		out.OutputLimit = int64(limit)
	}
	out.BotVersion = sc.BotVersion
	return out, nil
}

// LeaseManagerConfig materializes the lease manager config.
func (c *Config) LeaseManagerConfig() (*lease.Config, error) {
	out := lease.DefaultConfig()
	lc := c.Lease
	if lc == nil {
		return out, nil
	}
	out.ServerURL = lc.ServerURL
	if lc.ScaleUpFactor != nil {
		out.ScaleUpFactor = *lc.ScaleUpFactor
	}
	if lc.DampenFraction != nil {
		out.DampenFraction = *lc.DampenFraction
	}
	var err error
	if out.ConnectionTolerance, err = parseDuration("connection_tolerance", lc.ConnectionTolerance, out.ConnectionTolerance); err != nil {
		return nil, err
	}
	return out, nil
}

// MachineTypes materializes the configured machine types.
func (c *Config) MachineTypes() ([]*structs.MachineType, error) {
	if c.Lease == nil {
		return nil, nil
	}
	var out []*structs.MachineType
	for name, mc := range c.Lease.MachineTypes {
		mt := &structs.MachineType{
			Name:              name,
			Description:       mc.Description,
			Enabled:           !mc.Disabled,
			TargetSize:        mc.TargetSize,
			LeaseIndefinitely: mc.LeaseIndefinitely,
			Capabilities:      structs.NewCapabilitySet(mc.Capabilities),
		}
		var err error
		if mt.LeaseDuration, err = parseDuration("lease_duration", mc.LeaseDuration, 0); err != nil {
			return nil, err
		}
		if mt.EarlyRelease, err = parseDuration("early_release", mc.EarlyRelease, 0); err != nil {
			return nil, err
		}
		if mc.Schedule != nil {
			sched := &structs.LeaseSchedule{}
			for _, d := range mc.Schedule.Daily {
				sched.Daily = append(sched.Daily, &structs.DailyInterval{
					Start:      d.Start,
					End:        d.End,
					Days:       append([]int(nil), d.Days...),
					TargetSize: d.TargetSize,
				})
			}
			if lb := mc.Schedule.LoadBased; lb != nil {
				sched.LoadBased = &structs.LoadBasedPolicy{
					MinimumSize: lb.MinimumSize,
					MaximumSize: lb.MaximumSize,
				}
			}
			mt.Schedule = sched
		}
		if err := mt.Validate(); err != nil {
			return nil, err
		}
		out = append(out, mt)
	}
	return out, nil
}
