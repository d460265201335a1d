package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/fnstack/toolcache/cache"
	"github.com/fnstack/toolcache/config"
	"github.com/fnstack/toolcache/daemon"
	"github.com/fnstack/toolcache/logger"
)

var (
	flagNamespace string
	flagVersion   string
	flagTTL       string
	flagDir       string
	flagSocket    string
	flagLogLevel  string
)

func main() {
	root := &cobra.Command{
		Use:           "toolcache",
		Short:         "Inspect and manage the tool result cache",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flagNamespace, "ns", "", "cache namespace")
	root.PersistentFlags().StringVar(&flagVersion, "version", "", "entry version")
	root.PersistentFlags().StringVar(&flagDir, "dir", "", "cache directory (defaults to TOOLCACHE_DIR, then the user cache dir)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error, none")

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a value (VALUE is parsed as JSON when possible)",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}
	setCmd.Flags().StringVar(&flagTTL, "ttl", "", "entry lifetime, e.g. 30m, 36h, 7d")

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Fetch a value and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	delCmd := &cobra.Command{
		Use:   "del KEY",
		Short: "Remove an entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runDel,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry, or one namespace with --ns",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics as JSON",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Write persisted entries to stdout as JSON lines",
		Args:  cobra.NoArgs,
		RunE:  runDump,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the cache sharing daemon on a unix socket",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagSocket, "socket", "", "socket path (defaults to TOOLCACHE_SOCKET, then <cache dir>/toolcache.sock)")

	root.AddCommand(setCmd, getCmd, delCmd, clearCmd, statsCmd, dumpCmd, serveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openManager builds a Manager from the environment configuration with the
// command-line flags layered on top.
func openManager(ctx context.Context, cfg config.Config, log logger.Logger) (*cache.Manager, error) {
	opts := cache.OptionsFromConfig(cfg)
	opts = append(opts, cache.WithLogger(log))
	if flagDir != "" {
		opts = append(opts, cache.WithDir(flagDir))
	}
	return cache.New(ctx, opts...)
}

func newLogger(cfg config.Config) logger.Logger {
	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	return logger.NewConsole(logger.ParseLevel(level))
}

func runSet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var ttl time.Duration
	if flagTTL != "" {
		ttl, err = str2duration.ParseDuration(flagTTL)
		if err != nil {
			return errors.Wrapf(err, "invalid --ttl %q", flagTTL)
		}
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Set(ctx, flagNamespace, flagVersion, args[0], parseValue(args[1]), ttl); err != nil {
		return err
	}
	m.Flush()
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	found, val := m.Get(ctx, flagNamespace, flagVersion, args[0])
	if !found {
		return errors.Newf("key %q not found", cache.Key(flagNamespace, flagVersion, args[0]))
	}
	decoded, err := decodeValue(val)
	if err != nil {
		return err
	}
	return printJSON(decoded)
}

func runDel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	m.Delete(ctx, flagNamespace, flagVersion, args[0])
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	m.Clear(ctx, flagNamespace)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	return printJSON(m.Stats(ctx))
}

// dumpLine is one persisted entry with its value decoded for display.
type dumpLine struct {
	Key          string     `json:"key"`
	Namespace    string     `json:"namespace"`
	Version      string     `json:"version,omitempty"`
	Value        any        `json:"value"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastAccessed time.Time  `json:"last_accessed"`
	HitCount     int64      `json:"hit_count"`
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	m, err := openManager(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer m.Close()

	enc := json.NewEncoder(os.Stdout)
	m.Dump(ctx, flagNamespace, func(e cache.Entry) bool {
		var value any
		if err := msgpack.Unmarshal(e.Value, &value); err != nil {
			value = e.Value // undecodable payloads dump as base64
		}
		line := dumpLine{
			Key:          e.Key,
			Namespace:    e.Namespace,
			Version:      e.Version,
			Value:        value,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
			HitCount:     e.HitCount,
		}
		if exp := e.Expiry(); !exp.IsZero() {
			line.ExpiresAt = &exp
		}
		_ = enc.Encode(line)
		return true
	})
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(cfg)
	m, err := openManager(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()

	socket := flagSocket
	if socket == "" {
		socket = cfg.Socket
	}
	if socket == "" {
		dir := cfg.CacheDir()
		if dir == "" {
			return errors.New("no socket path: set --socket, TOOLCACHE_SOCKET, or TOOLCACHE_DIR")
		}
		socket = filepath.Join(dir, "toolcache.sock")
	}

	srv, err := daemon.NewServer(ctx, log, m, socket)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	return srv.Stop()
}

// parseValue interprets a command-line value: JSON when it parses, the raw
// string otherwise.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// decodeValue unwraps a cache hit for display. Persistent hits arrive as
// msgpack bytes.
func decodeValue(val any) (any, error) {
	if enc, ok := val.(cache.Encoded); ok {
		var out any
		if err := msgpack.Unmarshal(enc, &out); err != nil {
			return nil, errors.Wrap(err, "decode cached value")
		}
		return out, nil
	}
	return val, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
