// Package config loads run parameters from command-line flags and the
// GOHYPERV_* environment.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved run configuration.
type Config struct {
	NCPUs         int
	MemSize       int
	RPCAddr       string
	Profile       bool
	LogLevel      string
	MigrateTo     string
	MigrateListen string
	PrecopyRounds int
}

func buildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gohyperv", pflag.ContinueOnError)

	fs.IntP("cpus", "c", 1, "number of virtual processors")
	fs.StringP("mem", "m", "1G", "guest memory size as num[gGmMkK]")
	fs.String("rpc", "", "JSON-RPC listen address (empty disables the API)")
	fs.Bool("profile", false, "write a CPU profile on exit")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("migrate-to", "", "stream the machine to this address and exit")
	fs.String("migrate-listen", "", "receive a migrated machine on this address")
	fs.Int("precopy-rounds", 3, "dirty-page rounds before stop-and-copy")

	return fs
}

// Load parses args (without the program name) into a Config. Environment
// variables override defaults; flags override both.
func Load(args []string) (*Config, error) {
	fs := buildFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("gohyperv")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	memSize, err := ParseSize(v.GetString("mem"), "")
	if err != nil {
		return nil, fmt.Errorf("parse mem: %w", err)
	}

	c := &Config{
		NCPUs:         v.GetInt("cpus"),
		MemSize:       memSize,
		RPCAddr:       v.GetString("rpc"),
		Profile:       v.GetBool("profile"),
		LogLevel:      v.GetString("log-level"),
		MigrateTo:     v.GetString("migrate-to"),
		MigrateListen: v.GetString("migrate-listen"),
		PrecopyRounds: v.GetInt("precopy-rounds"),
	}

	if c.NCPUs < 1 {
		return nil, fmt.Errorf("cpus %d: %w", c.NCPUs, strconv.ErrRange)
	}

	return c, nil
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
