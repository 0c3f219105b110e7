// Package cli implements the tv command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/taskvault/internal/config"
	"github.com/calvinalkan/taskvault/internal/logging"
	"github.com/calvinalkan/taskvault/internal/store"
)

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. A signal on it cancels the running command; the store
// is still shut down cleanly before Run returns.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globals := flag.NewFlagSet("tv", flag.ContinueOnError)
	globals.SetInterspersed(false)
	globals.SetOutput(&strings.Builder{}) // discard pflag output

	help := globals.BoolP("help", "h", false, "Show help")
	workDir := globals.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := globals.StringP("config", "c", "", "Use specified config `file`")
	file := globals.StringP("file", "f", "", "Task document `path` (overrides config)")
	logLevel := globals.String("log-level", "", "Log `level`: debug, info, warn, error")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globals.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	rest := globals.Args()

	if *help || len(rest) == 0 {
		printUsage(out, globals, nil)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		FileOverride:    *file,
		HasFileOverride: globals.Changed("file"),
		LogLevel:        *logLevel,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, globals, nil)

		return 1
	}

	logger, err := logging.New(errOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	sess := &session{cfg: cfg, log: logger}
	commands := allCommands(sess)

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, globals, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("interrupted", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	o := NewIO(out, errOut)
	sess.io = o

	code := cmd.Run(ctx, o, rest[1:])

	closeErr := sess.close(!cmd.ReadOnly)
	if closeErr != nil {
		o.ErrPrintln("error:", closeErr)

		code = 1
	}

	return max(code, o.Finish())
}

func allCommands(sess *session) []*Command {
	return []*Command{
		LsCmd(sess),
		AddCmd(sess),
		DoneCmd(sess),
		StatusCmd(sess),
		CheckCmd(sess),
		RepairCmd(sess),
		SaveCmd(sess),
		BackupCmd(sess),
		BackupsCmd(sess),
		RestoreCmd(sess),
		ExportCmd(sess),
		ImportCmd(sess),
		PrintConfigCmd(&sess.cfg),
	}
}

func findCommand(commands []*Command, name string) *Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}

	return nil
}

// session opens the store on first use so that commands like print-config
// and help never touch the document.
type session struct {
	cfg   config.Config
	log   *log.Logger
	io    *IO
	store *store.Store
}

func (s *session) open(ctx context.Context) (*store.Store, error) {
	if s.store != nil {
		return s.store, nil
	}

	st, err := store.Open(ctx, s.cfg.Store(s.log))
	if err != nil {
		return nil, err
	}

	s.store = st
	s.warnLoad(st.LastLoadReport())

	return st, nil
}

// warnLoad turns load anomalies into warnings so they show up whatever the
// command prints.
func (s *session) warnLoad(report store.LoadReport) {
	if s.io == nil {
		return
	}

	switch {
	case report.Lost:
		s.io.Warn("document and all backups were unusable, started empty",
			"inspect "+report.CorruptCopy+" before saving anything")
	case report.RecoveredFrom != "":
		s.io.Warn("document was unusable, loaded "+report.RecoveredFrom,
			"the damaged file was kept at "+report.CorruptCopy)
	}

	if report.ReadOnly {
		s.io.Warn(fmt.Sprintf("document version %d is newer than this build supports", report.Migration.From),
			"upgrade tv; changes will not be saved")
	}

	if report.MigrationErr != nil {
		s.io.Warn("document was upgraded in memory but not saved",
			fmt.Sprintf("check that %s is writable: %v", s.cfg.FileAbs, report.MigrationErr))
	}
}

func (s *session) close(flush bool) error {
	if s.store == nil {
		return nil
	}

	if flush {
		return s.store.Shutdown()
	}

	return s.store.Close()
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	if commands == nil {
		commands = allCommands(&session{})
	}

	fprintln(w, `tv - crash-safe task list

Usage: tv [global flags] <command> [args]

Global flags:`)

	var buf strings.Builder

	globals.SetOutput(&buf)
	globals.PrintDefaults()
	globals.SetOutput(&strings.Builder{})

	_, _ = fmt.Fprint(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}

// errUsage marks errors caused by wrong arguments.
var errUsage = errors.New("usage")

func usageError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, a...))
}
