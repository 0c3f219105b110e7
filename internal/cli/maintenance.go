package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/taskvault/internal/store"
)

// ErrProblemsFound is returned by check when the document needed repairs.
var ErrProblemsFound = errors.New("problems found")

// StatusCmd returns the status command.
func StatusCmd(sess *session) *Command {
	return &Command{
		Flags:    flag.NewFlagSet("status", flag.ContinueOnError),
		Usage:    "status",
		Short:    "Show document health",
		Long:     "Show where the document lives, what it contains and how healthy it and its backups are.",
		ReadOnly: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			status := st.GetIntegrityStatus()
			stats := status.Report.Statistics

			o.Println("file=" + status.Path)
			o.Println("exists=" + strconv.FormatBool(status.FileExists))

			if status.FileExists {
				o.Println("size=" + strconv.FormatInt(status.FileSize, 10))
				o.Println("modified=" + status.FileModTime.Format("2006-01-02T15:04:05Z07:00"))
			}

			if status.LastSavedAt != nil {
				o.Println("last_saved_at=" + status.LastSavedAt.String())
			}

			o.Printf("tasks=%d\n", stats.Tasks)
			o.Printf("subtasks=%d\n", stats.Subtasks)
			o.Printf("completed_tasks=%d\n", stats.CompletedTasks)
			o.Printf("completed_subtasks=%d\n", stats.CompletedSubtasks)
			o.Printf("backups=%d\n", status.Backups)
			o.Println("journal_pending=" + strconv.FormatBool(status.JournalPending))
			o.Printf("load_repairs=%d\n", len(status.Load.Repairs))
			o.Println("healthy=" + strconv.FormatBool(status.Healthy()))

			for _, msg := range status.Errors {
				o.Warn(msg, "check file permissions")
			}

			if len(status.Load.Repairs) > 0 || len(status.Load.Skipped) > 0 {
				o.Warn("document on disk has problems that were fixed in memory", "run 'tv repair' to save the fixes")
			}

			return nil
		},
	}
}

// CheckCmd returns the check command.
func CheckCmd(sess *session) *Command {
	return &Command{
		Flags:    flag.NewFlagSet("check", flag.ContinueOnError),
		Usage:    "check",
		Short:    "Report integrity problems without fixing them",
		ReadOnly: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			report := st.LastLoadReport()
			problems := printLoadProblems(o, report)

			for _, w := range report.Warnings {
				o.Println("warning:", w)
			}

			if problems > 0 {
				return fmt.Errorf("%w: %d, run 'tv repair' to fix", ErrProblemsFound, problems)
			}

			o.Println("OK")

			return nil
		},
	}
}

// RepairCmd returns the repair command.
func RepairCmd(sess *session) *Command {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "Show what would be fixed without writing")

	return &Command{
		Flags: fs,
		Usage: "repair [flags]",
		Short: "Fix integrity problems and save",
		Long: "Fix duplicate ids, broken parent links, bad timestamps, completion state and counters,\n" +
			"then write the document. The previous file moves into the backup chain.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			problems := printLoadProblems(o, st.LastLoadReport())

			if *dryRun {
				if problems == 0 {
					o.Println("Nothing to repair")
				}

				// Nothing may reach the disk, not even on shutdown.
				return st.Close()
			}

			if problems == 0 {
				o.Println("Nothing to repair")

				return nil
			}

			err = st.ForceSave()
			if err != nil {
				return err
			}

			o.Printf("Repaired %d problems\n", problems)

			return nil
		},
	}
}

// SaveCmd returns the save command.
func SaveCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("save", flag.ContinueOnError),
		Usage: "save",
		Short: "Rewrite the document in the current format",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			err = st.ForceSave()
			if err != nil {
				return err
			}

			o.Printf("Saved %d tasks to %s\n", len(st.Records()), st.Path())

			return nil
		},
	}
}

// printLoadProblems prints what loading found wrong and returns the count.
func printLoadProblems(o *IO, report store.LoadReport) int {
	problems := 0

	if report.RecoveredFrom != "" {
		o.Println("recovered: primary unusable, loaded", report.RecoveredFrom)

		problems++
	}

	for _, skip := range report.Skipped {
		o.Println("dropped:", skip.String())

		problems++
	}

	for _, fix := range report.Repairs {
		o.Println("fix:", fix.String())

		problems++
	}

	if report.Migration.Changed() && report.MigrationErr != nil {
		o.Printf("migration: version %d to %d not saved\n", report.Migration.From, report.Migration.To)

		problems++
	}

	return problems
}
