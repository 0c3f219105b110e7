package cli

import (
	"context"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/taskvault/internal/document"
)

// ExportCmd returns the export command.
func ExportCmd(sess *session) *Command {
	return &Command{
		Flags:    flag.NewFlagSet("export", flag.ContinueOnError),
		Usage:    "export <path>",
		Short:    "Export tasks to JSON, YAML or TOML",
		Long:     "Export all tasks with settings. The format follows the extension: .json, .yaml, .yml or .toml.",
		ReadOnly: true,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("export takes exactly one path, got %d", len(args))
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			target := resolvePath(sess.cfg.EffectiveCwd, args[0])

			err = st.ExportTo(target, nil)
			if err != nil {
				return err
			}

			o.Printf("Exported %d tasks to %s\n", len(st.Records()), target)

			return nil
		},
	}
}

// ImportCmd returns the import command.
func ImportCmd(sess *session) *Command {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	replace := fs.Bool("replace", false, "Replace all tasks instead of appending")

	return &Command{
		Flags: fs,
		Usage: "import <path> [flags]",
		Short: "Import tasks from an export or another document",
		Long: "Import tasks from an export or a plain document. Imported tasks are appended\n" +
			"with fresh ids unless --replace is given.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("import takes exactly one path, got %d", len(args))
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			source := resolvePath(sess.cfg.EffectiveCwd, args[0])

			tasks, err := st.ImportFrom(source)
			if err != nil {
				return err
			}

			if *replace {
				err = st.Save(tasks)
			} else {
				err = st.Update(func(doc *document.Document) error {
					doc.Todos = append(doc.Todos, renumber(doc, tasks)...)

					return nil
				})
				if err == nil {
					err = st.Flush()
				}
			}

			if err != nil {
				return err
			}

			o.Printf("Imported %d tasks from %s\n", len(tasks), source)

			return nil
		},
	}
}

// renumber gives tasks and their subtasks fresh ids from doc's counters.
func renumber(doc *document.Document, tasks []document.Task) []document.Task {
	out := document.CloneTasks(tasks)

	for i := range out {
		task := &out[i]
		task.ID = doc.AllocTaskID()

		for j := range task.Subtasks {
			task.Subtasks[j].ID = doc.AllocSubtaskID()
			task.Subtasks[j].TodoID = task.ID
		}
	}

	return out
}

func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(cwd, path)
}
