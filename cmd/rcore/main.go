// rcore CLI - evaluates source files and expressions, or runs a REPL
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/rcore/config"
	"github.com/chazu/rcore/reader"
	"github.com/chazu/rcore/session"
	"github.com/chazu/rcore/snapshot"
	"github.com/chazu/rcore/vm"
)

const historyFile = ".rcore_history"

var log = commonlog.GetLogger("rcore")

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (0 = errors only; overrides the configuration)")
	logFile := flag.String("log", "", "Log file (default stderr)")
	configPath := flag.String("config", "", "Configuration file (default: search for rcore.toml upwards)")
	expr := flag.String("e", "", "Evaluate an expression and print the result")
	interactive := flag.Bool("i", false, "Start the REPL after evaluating files")
	imagePath := flag.String("image", "", "Load data bindings from an image before evaluating")
	saveImage := flag.String("save-image", "", "Save data bindings to an image on exit")
	stats := flag.Bool("stats", false, "Print promise and cache statistics on exit")
	lazy := flag.Bool("lazy", false, "Disable speculative argument promises")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rcore [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Evaluates the given files in one session, then exits.\n")
		fmt.Fprintf(os.Stderr, "Without files or -e, starts a REPL on a terminal or reads stdin.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rcore                          # Start REPL\n")
		fmt.Fprintf(os.Stderr, "  rcore -e '(paste \"a\" \"b\")'     # Evaluate one expression\n")
		fmt.Fprintf(os.Stderr, "  rcore lib.r -i                 # Load lib.r, then start REPL\n")
		fmt.Fprintf(os.Stderr, "  rcore -image s.img -save-image s.img  # Persist data between runs\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(cfg, *verbosity, *logFile)

	opts := cfg.VMOptions()
	if *lazy {
		opts.EagerPromises = false
	}
	tty := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	opts.Interactive = tty

	store := session.NewStore(vm.NewRuntime(opts), session.Options{Workers: cfg.Session.Workers})
	defer store.Close()
	sess := store.Create("main")

	if path := firstNonEmpty(*imagePath, cfg.ImagePath()); path != "" {
		if err := loadImage(sess, path, *imagePath != ""); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	status := run(sess, flag.Args(), *expr, *interactive, tty)

	if path := firstNonEmpty(*saveImage, cfg.ImagePath()); path != "" {
		if err := saveSessionImage(sess, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			status = 1
		}
	}
	if *stats {
		printStats(store, sess)
	}
	store.Close()
	os.Exit(status)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config, verbosity int, file string) {
	if verbosity < 0 {
		verbosity = cfg.Log.Verbosity
	}
	path := firstNonEmpty(file, cfg.LogPath())
	if path == "" {
		commonlog.Configure(verbosity, nil)
	} else {
		commonlog.Configure(verbosity, &path)
	}
	if cfg.Path != "" {
		log.Infof("using configuration %s", cfg.Path)
	}
}

// run evaluates files, then -e, then the REPL or stdin. It returns the
// process exit status.
func run(sess *session.Session, files []string, expr string, interactive, tty bool) int {
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if _, err := sess.Eval(string(src)); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			return 1
		}
	}

	if expr != "" {
		v, err := sess.Eval(expr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(vm.Format(v))
		if !interactive {
			return 0
		}
	}

	switch {
	case interactive || (len(files) == 0 && expr == "" && tty):
		runREPL(sess)
	case len(files) == 0 && expr == "":
		src, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if _, err := sess.Eval(string(src)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func runREPL(sess *session.Session) {
	fmt.Println("rcore REPL (type :quit to exit, :help for commands)")

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	for {
		src, ok := readForm(ln)
		if !ok {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(src)
		if line == "" {
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(src, "\n", " "))

		if strings.HasPrefix(line, ":") {
			if handleREPLCommand(sess, line) {
				return
			}
			continue
		}
		evalAndPrint(sess, src)
	}
}

// readForm prompts until the input parses or fails for a reason other
// than running out of input.
func readForm(ln *liner.State) (string, bool) {
	var b strings.Builder
	for {
		prompt := "> "
		if b.Len() > 0 {
			prompt = "+ "
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", true
		}
		if err != nil {
			return "", false
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)

		src := b.String()
		if _, err := reader.Parse(src); reader.IsIncomplete(err) {
			continue
		}
		return src, true
	}
}

func evalAndPrint(sess *session.Session, src string) {
	exprs, err := reader.Parse(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	v, err := sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		return ctx.EvalAll(exprs)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if _, assign := exprs[len(exprs)-1].(*vm.Assign); assign {
		return
	}
	fmt.Println(vm.Format(v))
}

// handleREPLCommand runs a ':' command and reports whether the REPL
// should exit.
func handleREPLCommand(sess *session.Session, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q":
		return true
	case ":help":
		fmt.Println("  :quit              exit the REPL")
		fmt.Println("  :ls                list global bindings")
		fmt.Println("  :save <path>       save data bindings to an image")
		fmt.Println("  :load <path>       load data bindings from an image")
		fmt.Println("  :stats             show promise statistics")
	case ":ls":
		sess.Do(func(ctx *vm.Context) (vm.Value, error) {
			names, err := ctx.Global().Names(false, "")
			if err == nil {
				fmt.Println(strings.Join(names, " "))
			}
			return nil, err
		})
	case ":save", ":load":
		if len(fields) != 2 {
			fmt.Printf("usage: %s <path>\n", fields[0])
			return false
		}
		var err error
		if fields[0] == ":save" {
			err = saveSessionImage(sess, fields[1])
		} else {
			err = loadImage(sess, fields[1], true)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case ":stats":
		printPromiseStats(sess)
	default:
		fmt.Printf("unknown command %s, type :help\n", fields[0])
	}
	return false
}

// loadImage restores an image into the session. A missing image is only
// an error when required.
func loadImage(sess *session.Session, path string, required bool) error {
	if _, err := os.Stat(path); err != nil && !required {
		log.Debugf("no image at %s", path)
		return nil
	}
	_, err := sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		img, err := snapshot.ReadFile(path, ctx.Global())
		if err == nil && len(img.Skipped) > 0 {
			log.Warningf("image %s: skipped %s", path, strings.Join(img.Skipped, ", "))
		}
		return nil, err
	})
	return err
}

func saveSessionImage(sess *session.Session, path string) error {
	_, err := sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		img, err := snapshot.WriteFile(path, ctx.Global())
		if err == nil && len(img.Skipped) > 0 {
			log.Infof("image %s: not saved: %s", path, strings.Join(img.Skipped, ", "))
		}
		return nil, err
	})
	return err
}

func printPromiseStats(sess *session.Session) {
	sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		s := ctx.Stats()
		fmt.Printf("promises forced:      %s\n", humanize.Comma(int64(s.Forced)))
		fmt.Printf("speculated:           %s\n", humanize.Comma(int64(s.Speculated)))
		fmt.Printf("speculation fallbacks: %s\n", humanize.Comma(int64(s.Fallbacks)))
		fmt.Printf("deoptimized:          %s\n", humanize.Comma(int64(s.Deoptimized)))
		return nil, nil
	})
}

func printStats(store *session.Store, sess *session.Session) {
	printPromiseStats(sess)
	rt := store.Runtime()
	hits, misses := rt.Generics().Stats()
	fmt.Printf("generic cache:        %s hits, %s misses\n", humanize.Comma(int64(hits)), humanize.Comma(int64(misses)))
	fmt.Printf("registered methods:   %s\n", humanize.Comma(int64(rt.Methods().Len())))
	sess.Do(func(ctx *vm.Context) (vm.Value, error) {
		c := ctx.Interpreter().S3Cache()
		fmt.Printf("S3 lookup cache:      %s hits, %s misses (%.1f%%)\n",
			humanize.Comma(int64(c.Hits)), humanize.Comma(int64(c.Misses)), c.HitRate())
		data, err := snapshot.Encode(ctx.Global())
		if err == nil {
			fmt.Printf("image size:           %s\n", humanize.Bytes(uint64(len(data))))
		}
		return nil, nil
	})
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
