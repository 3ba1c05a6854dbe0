package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/policyd-ratelimit/policyd/config"
	"github.com/policyd-ratelimit/policyd/mlog"
	"github.com/policyd-ratelimit/policyd/policyd-"
	"github.com/policyd-ratelimit/policyd/policydvar"
	"github.com/policyd-ratelimit/policyd/ratestore"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"quota show", cmdQuotaShow},
	{"quota reset", cmdQuotaReset},
	{"schema", cmdSchema},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("policyd "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "policyd " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "policyd " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "policyd [-config policyd.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"policyd"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty means the level from the config file, or info.

// uint32s is a repeatable command-line flag.
type uint32s []uint32

func (l *uint32s) String() string {
	var s []string
	for _, v := range *l {
		s = append(s, strconv.FormatUint(uint64(v), 10))
	}
	return strings.Join(s, ",")
}

func (l *uint32s) Set(s string) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("parsing %q as non-negative 32 bit number", s)
	}
	*l = append(*l, uint32(v))
	return nil
}

// storeFlags registers the flags for commands that only need the database.
func storeFlags(c *cmd) *policyd.Overrides {
	ov := &policyd.Overrides{}
	c.flag.StringVar(&ov.DSN, "dsn", os.Getenv("DSN"), "database to connect to, overrides the config file, defaults to $DSN")
	return ov
}

// subcommands that are not "serve" should use this function to load the config,
// it keeps the log level from the command-line instead of using the log levels
// from the config file.
func mustLoadConfig(ov policyd.Overrides) {
	policyd.MustLoadConfig(ov)
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		policyd.Conf.Log = map[string]slog.Level{"": level}
		mlog.SetConfig(policyd.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

// xopenStore opens the store from the loaded config, quitting on errors.
func xopenStore(ctx context.Context, c *cmd, createSchema bool) ratestore.Store {
	ctx, cancel := context.WithTimeout(ctx, policyd.Conf.Static.StoreTimeout)
	defer cancel()
	st, err := ratestore.Open(ctx, c.log, policyd.Conf.Static.DSN, ratestore.Options{
		PoolSize:     1,
		CreateSchema: createSchema,
		KeyPrefix:    policyd.Conf.Static.RedisKeyPrefix,
	})
	xcheckf(err, "opening store")
	return st
}

func main() {
	ctxbg := context.Background()
	policyd.Shutdown = ctxbg
	policyd.Context = ctxbg

	log.SetFlags(0)

	flag.StringVar(&policyd.ConfigStaticPath, "config", envString("POLICYDCONF", ""), "configuration file, defaults to $POLICYDCONF, without config file only flags and defaults are used")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup and overrides the config file")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		policyd.Conf.Log[""] = level
		mlog.SetConfig(policyd.Conf.Log)
		// note: SetConfig may be called again when subcommands load config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("policyd "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

The config file is read from -config or $POLICYDCONF. Values from $DSN are
applied as for serve. If valid, the command exits with status 0 and prints the
effective rate limit windows. If not valid, all errors encountered are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf, errs := policyd.ParseConfig(context.Background(), c.log, policyd.ConfigStaticPath, policyd.Overrides{DSN: os.Getenv("DSN")})
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	for _, w := range conf.Static.Windows {
		fmt.Printf("window: limit %d, period %ds\n", w.Limit, w.Period)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">policyd.conf"
	c.help = `Prints an annotated empty configuration for use as policyd.conf.

The configuration file is only read at startup. Policyd has to be restarted for
changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSchema(c *cmd) {
	c.help = `Prints the SQL table definition for the database.

The statement depends on the SQL dialect of the DSN: postgres, mysql or sqlite.
With -init, the table is created in the database if it does not yet exist,
instead of printing the statement. Other store backends need no schema.
`
	ov := storeFlags(c)
	var initSchema bool
	c.flag.BoolVar(&initSchema, "init", false, "create the table in the database")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig(*ov)

	schema, err := ratestore.SchemaFor(policyd.Conf.Static.DSN)
	xcheckf(err, "schema for dsn")
	if !initSchema {
		fmt.Println(schema)
		return
	}
	st := xopenStore(context.Background(), c, true)
	err = st.Close()
	c.log.Check(err, "closing store")
	fmt.Println("schema OK")
}

func cmdQuotaShow(c *cmd) {
	c.params = "username"
	c.help = `Prints the stored rate limit windows for a SASL username.

Each line has the period in seconds, the quota, the number of messages counted
in the current window, the start of the window, and whether the window has
expired and will be reset by the next message.
`
	ov := storeFlags(c)
	args := c.Parse()
	if len(args) != 1 || args[0] == "" {
		c.Usage()
	}
	mustLoadConfig(*ov)

	st := xopenStore(context.Background(), c, false)
	defer func() {
		err := st.Close()
		c.log.Check(err, "closing store")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), policyd.Conf.Static.StoreTimeout)
	defer cancel()
	states, err := st.List(ctx, args[0])
	xcheckf(err, "listing windows")
	if len(states) == 0 {
		fmt.Println("no windows")
		return
	}
	now := time.Now()
	fmt.Printf("%-10s %10s %10s %-20s %s\n", "rate", "quota", "used", "rdate", "expired")
	for _, s := range states {
		fmt.Printf("%-10d %10d %10d %-20s %v\n", s.Period, s.Quota, s.Used, s.WindowStart.UTC().Format(time.RFC3339), s.Expired(now))
	}
}

func cmdQuotaReset(c *cmd) {
	c.params = "username"
	c.help = `Resets the usage of all rate limit windows of a SASL username.

The counters are set to zero and the windows start now. The number of windows
that were reset is printed.
`
	ov := storeFlags(c)
	args := c.Parse()
	if len(args) != 1 || args[0] == "" {
		c.Usage()
	}
	mustLoadConfig(*ov)

	st := xopenStore(context.Background(), c, false)
	defer func() {
		err := st.Close()
		c.log.Check(err, "closing store")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), policyd.Conf.Static.StoreTimeout)
	defer cancel()
	n, err := st.Reset(ctx, args[0], time.Now().UTC().Truncate(time.Second))
	xcheckf(err, "resetting windows")
	fmt.Printf("%d windows reset\n", n)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this policyd version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(policydvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
