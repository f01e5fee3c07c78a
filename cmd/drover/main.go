// Drover - salt-api 远程执行命令行客户端
// 这是主程序入口文件
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/drover-project/drover/internal/api"
	"github.com/drover-project/drover/internal/authcache"
	"github.com/drover-project/drover/internal/client"
	"github.com/drover-project/drover/internal/config"
	"github.com/drover-project/drover/internal/logger"
	"github.com/drover-project/drover/internal/version"
)

// Exit codes
const (
	exitOK = iota
	exitFailure // dispatch failed or minions did not respond
	exitUsage   // bad invocation or configuration
)

// options holds every parsed command-line flag
type options struct {
	configFile     string
	verbose        int
	timeout        int
	clientMode     string
	targetType     string
	batch          string
	rawJSON        string
	url            string
	eauth          string
	username       string
	password       string
	cacheFile      string
	makeToken      bool
	nonInteractive bool
	showVersion    bool
}

func parseFlags(args []string) (*options, []string, error) {
	opts := &options{}
	flags := pflag.NewFlagSet("drover", pflag.ContinueOnError)
	flags.SortFlags = false

	flags.StringVarP(&opts.configFile, "config", "c", config.DefaultConfigPath(), "configuration file location")
	flags.CountVarP(&opts.verbose, "verbose", "v", "increase output verbosity (repeatable)")
	flags.IntVarP(&opts.timeout, "timeout", "t", 60, "seconds to wait for an async job before giving up")
	flags.StringVar(&opts.clientMode, "client", client.ModeLocal, "client mode: local, local_async, local_batch, runner, wheel")
	flags.StringVar(&opts.batch, "batch", "", "batch size for local_batch, e.g. 10 or 50%")
	flags.StringVar(&opts.rawJSON, "json", "", "dispatch a raw JSON command document instead of target/function arguments")

	// Targeting shorthands, mutually exclusive
	flags.BoolP("pcre", "E", false, "target is a PCRE regex on minion ids")
	flags.BoolP("list", "L", false, "target is a comma-delimited minion list")
	flags.BoolP("grain", "G", false, "target is a grain glob: grain:value")
	flags.BoolP("grain-pcre", "P", false, "target is a grain PCRE: grain:regex")
	flags.BoolP("nodegroup", "N", false, "target is a master-side nodegroup")
	flags.BoolP("range", "R", false, "target is a range cluster expression")
	flags.BoolP("compound", "C", false, "target is a compound expression")
	flags.BoolP("pillar", "I", false, "target is a pillar glob: key:value")
	flags.BoolP("pillar-pcre", "J", false, "target is a pillar PCRE: key:regex")
	flags.BoolP("ipcidr", "S", false, "target is an IP subnet in CIDR notation")

	flags.StringVarP(&opts.url, "saltapi-url", "u", "", "salt-api URL, e.g. https://localhost:8000/")
	flags.StringVarP(&opts.eauth, "auth", "a", "", "external auth backend (also --eauth)")
	flags.StringVar(&opts.eauth, "eauth", "", "")
	flags.StringVar(&opts.username, "username", "", "authentication username")
	flags.StringVar(&opts.password, "password", "", "authentication password")
	flags.BoolVar(&opts.nonInteractive, "non-interactive", false, "never prompt; fail if settings are incomplete")
	flags.BoolVarP(&opts.makeToken, "make-token", "T", false, "persist the session token across invocations")
	flags.StringVarP(&opts.cacheFile, "cache-file", "x", "", "session token cache location")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	flags.Lookup("eauth").Hidden = true

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: drover [options] '<target>' <function> [arg ...] [kwarg=value ...]\n\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}

	opts.targetType = resolveTargetType(flags)
	return opts, flags.Args(), nil
}

// resolveTargetType maps the targeting shorthand flags to a tgt-type value
func resolveTargetType(flags *pflag.FlagSet) string {
	byFlag := map[string]string{
		"pcre":        client.TargetPCRE,
		"list":        client.TargetList,
		"grain":       client.TargetGrain,
		"grain-pcre":  client.TargetGrainPCRE,
		"nodegroup":   client.TargetNodegroup,
		"range":       client.TargetRange,
		"compound":    client.TargetCompound,
		"pillar":      client.TargetPillar,
		"pillar-pcre": client.TargetPillarPCRE,
		"ipcidr":      client.TargetIPCIDR,
	}
	for name, tgtType := range byFlag {
		if set, _ := flags.GetBool(name); set {
			return tgtType
		}
	}
	return client.TargetGlob
}

// kwargPattern matches key=value positional arguments
var kwargPattern = regexp.MustCompile(`^(\w+)=(.*)$`)

// splitArgs separates positional function arguments from key=value kwargs
func splitArgs(raw []string) ([]interface{}, map[string]interface{}) {
	var args []interface{}
	var kwargs map[string]interface{}
	for _, a := range raw {
		if m := kwargPattern.FindStringSubmatch(a); m != nil {
			if kwargs == nil {
				kwargs = make(map[string]interface{})
			}
			kwargs[m[1]] = m[2]
			continue
		}
		args = append(args, a)
	}
	return args, kwargs
}

func verbosityLevel(v int) string {
	switch {
	case v >= 2:
		return "debug"
	case v == 1:
		return "info"
	default:
		return "warn"
	}
}

// resolveSettings runs the configuration pipeline for this invocation
func resolveSettings(opts *options) (config.Settings, error) {
	settings := config.Defaults()

	settings, err := config.OverlayFile(settings, opts.configFile)
	if err != nil {
		return settings, err
	}
	settings = config.OverlayEnv(settings)
	settings = config.OverlayOverrides(settings, config.Overrides{
		URL:       opts.url,
		User:      opts.username,
		Password:  opts.password,
		Eauth:     opts.eauth,
		CacheFile: opts.cacheFile,
	})

	if !opts.nonInteractive {
		settings, err = config.PromptMissing(settings, config.NewTerminalPrompter())
		if err != nil {
			return settings, err
		}
	}

	return settings, settings.Validate()
}

// printJSON writes an indented JSON document to stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

func main() {
	opts, args, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			os.Exit(exitOK)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	if opts.showVersion {
		fmt.Printf("drover %s\n", version.Get().String())
		os.Exit(exitOK)
	}

	log, err := logger.NewLogger(&logger.Config{
		Level:  verbosityLevel(opts.verbose),
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	defer log.Close()

	if err := run(opts, args, log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Close()
		var uerr *usageError
		if errors.As(err, &uerr) {
			os.Exit(exitUsage)
		}
		os.Exit(exitFailure)
	}
}

// usageError marks invocation and configuration mistakes (exit code 2)
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func run(opts *options, args []string, log *logger.Logger) error {
	settings, err := resolveSettings(opts)
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	// Master-side modes take only a function; minion modes need a target too
	masterSide := opts.clientMode == client.ModeRunner || opts.clientMode == client.ModeWheel
	if opts.rawJSON == "" {
		if masterSide && len(args) < 1 {
			return &usageError{msg: "runner/wheel invocations require a function name"}
		}
		if !masterSide && len(args) < 2 {
			return &usageError{msg: "local invocations require a target and a function name"}
		}
	}

	var cache authcache.Cache = authcache.NullCache{}
	if opts.makeToken {
		fileCache, err := authcache.NewFileCache(settings.CacheFile)
		if err != nil {
			return &usageError{msg: err.Error()}
		}
		cache = fileCache
	}

	a, err := api.New(&api.Config{
		BaseURL: settings.URL,
		Cache:   cache,
		Logger:  log,
	})
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	// A cached usable token skips the login round-trip
	if a.Token() == "" {
		if _, err := a.Login(settings.User, settings.Password, settings.Eauth); err != nil {
			return err
		}
	}

	c, err := client.New(a, log)
	if err != nil {
		return err
	}

	if opts.rawJSON != "" {
		return runRawJSON(a, opts.rawJSON)
	}

	switch opts.clientMode {
	case client.ModeLocal:
		return runLocal(c, opts, args)
	case client.ModeLocalAsync:
		return runLocalAsync(c, opts, args, log)
	case client.ModeLocalBatch:
		return runLocalBatch(c, opts, args)
	case client.ModeRunner, client.ModeWheel:
		return runMaster(c, opts, args)
	default:
		return &usageError{msg: fmt.Sprintf("unknown client mode: %s", opts.clientMode)}
	}
}

// runRawJSON dispatches a caller-supplied command document verbatim. A JSON
// object is wrapped into a one-element list; a JSON array passes through.
func runRawJSON(a *api.API, raw string) error {
	var cmds []json.RawMessage
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &cmds); err != nil {
			return &usageError{msg: fmt.Sprintf("invalid --json document: %v", err)}
		}
	} else {
		var one json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &one); err != nil {
			return &usageError{msg: fmt.Sprintf("invalid --json document: %v", err)}
		}
		cmds = []json.RawMessage{one}
	}

	resp, err := a.Run(cmds)
	if err != nil {
		return err
	}

	results := make([]interface{}, 0, len(resp.Return))
	for _, entry := range resp.Return {
		var result interface{}
		if err := json.Unmarshal(entry, &result); err != nil {
			return fmt.Errorf("failed to decode dispatch result: %w", err)
		}
		results = append(results, result)
	}
	return printJSON(results)
}

func runLocal(c *client.Client, opts *options, args []string) error {
	fnArgs, kwargs := splitArgs(args[2:])
	result, err := c.Local(&client.LocalRequest{
		Target:     args[0],
		TargetType: opts.targetType,
		Fun:        args[1],
		Arg:        fnArgs,
		Kwarg:      kwargs,
		Timeout:    opts.timeout,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

// runLocalAsync dispatches without waiting, then polls the job until every
// targeted minion reports or the timeout elapses.
func runLocalAsync(c *client.Client, opts *options, args []string, log *logger.Logger) error {
	fnArgs, kwargs := splitArgs(args[2:])
	job, fetch, err := c.LocalAsync(&client.LocalRequest{
		Target:     args[0],
		TargetType: opts.targetType,
		Fun:        args[1],
		Arg:        fnArgs,
		Kwarg:      kwargs,
	})
	if err != nil {
		return err
	}

	log.Infof("polling job %s for %d minions", job.JID, len(job.Minions))

	deadline := time.Now().Add(time.Duration(opts.timeout) * time.Second)
	reported := make(map[string]interface{})

	for {
		status, err := fetch()
		if err != nil {
			return err
		}
		for minion, ret := range status.MinionReturns() {
			reported[minion] = ret
		}
		if len(reported) >= len(job.Minions) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Second)
	}

	if err := printJSON(reported); err != nil {
		return err
	}

	var missing []string
	for _, minion := range job.Minions {
		if _, ok := reported[minion]; !ok {
			missing = append(missing, minion)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("No response from: %s", strings.Join(missing, " "))
	}
	return nil
}

func runLocalBatch(c *client.Client, opts *options, args []string) error {
	fnArgs, kwargs := splitArgs(args[2:])
	results, err := c.LocalBatch(&client.BatchRequest{
		Target:     args[0],
		TargetType: opts.targetType,
		Fun:        args[1],
		Arg:        fnArgs,
		Kwarg:      kwargs,
		Batch:      opts.batch,
	})
	if err != nil {
		return err
	}

	for {
		batch, ok := results.Next()
		if !ok {
			return nil
		}
		if err := printJSON(batch); err != nil {
			return err
		}
	}
}

func runMaster(c *client.Client, opts *options, args []string) error {
	fnArgs, kwargs := splitArgs(args[1:])
	req := &client.MasterRequest{Fun: args[0], Arg: fnArgs, Kwarg: kwargs}

	var result interface{}
	var err error
	if opts.clientMode == client.ModeWheel {
		result, err = c.Wheel(req)
	} else {
		result, err = c.Runner(req)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}
