package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/taskvault/internal/document"
)

// Errors for task commands.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrTitleRequired   = errors.New("title is required")
	ErrInvalidDue      = errors.New("invalid due date")
)

// LsCmd returns the ls command.
func LsCmd(sess *session) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	open := fs.Bool("open", false, "Only show tasks that are not complete")

	return &Command{
		Flags:    fs,
		Usage:    "ls [flags]",
		Short:    "List tasks and subtasks",
		ReadOnly: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			tasks := st.Records()
			shown := 0

			for i := range tasks {
				task := &tasks[i]
				if *open && task.IsComplete() {
					continue
				}

				shown++

				o.Println(formatTask(task))

				for j := range task.Subtasks {
					o.Println("  " + formatSubtask(&task.Subtasks[j]))
				}
			}

			if shown == 0 {
				o.Println("No tasks")
			}

			return nil
		},
	}
}

// AddCmd returns the add command.
func AddCmd(sess *session) *Command {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	parent := fs.IntP("parent", "p", 0, "Add as subtask of task `id`")
	due := fs.StringP("due", "d", "", "Due date, e.g. \"2024-06-30 17:00\"")
	folder := fs.String("folder", "", "Folder associated with the task")

	return &Command{
		Flags: fs,
		Usage: "add <title> [flags]",
		Short: "Add a task or subtask",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			title := strings.TrimSpace(strings.Join(args, " "))
			if title == "" {
				return ErrTitleRequired
			}

			dueAt, err := parseDue(*due)
			if err != nil {
				return err
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			now := time.Now()

			var label string

			err = st.Update(func(doc *document.Document) error {
				if *parent == 0 {
					task := document.Task{
						ID:         doc.AllocTaskID(),
						Title:      title,
						CreatedAt:  document.NewTimestamp(now),
						FolderPath: *folder,
						Subtasks:   []document.SubTask{},
						Expanded:   true,
						DueDate:    dueAt,
					}
					doc.Todos = append(doc.Todos, task)
					label = fmt.Sprintf("task #%d", task.ID)

					return nil
				}

				task := doc.Task(*parent)
				if task == nil {
					return fmt.Errorf("%w: #%d", ErrTaskNotFound, *parent)
				}

				sub := document.SubTask{
					ID:        doc.AllocSubtaskID(),
					TodoID:    task.ID,
					Title:     title,
					CreatedAt: document.NewTimestamp(now),
					DueDate:   dueAt,
				}
				task.Subtasks = append(task.Subtasks, sub)
				// A new open subtask reopens a completed task.
				task.CompletedAt = nil
				label = fmt.Sprintf("subtask #%d.%d", task.ID, sub.ID)

				return nil
			})
			if err != nil {
				return err
			}

			err = st.Flush()
			if err != nil {
				return err
			}

			o.Println("Added", label)

			return nil
		},
	}
}

// DoneCmd returns the done command.
func DoneCmd(sess *session) *Command {
	fs := flag.NewFlagSet("done", flag.ContinueOnError)
	undo := fs.Bool("undo", false, "Mark as not done")

	return &Command{
		Flags: fs,
		Usage: "done <id>[.<sub>] [flags]",
		Short: "Mark a task or subtask done",
		Long: "Mark a task or subtask done. Completing a task completes all of its subtasks;\n" +
			"a task is done once all of its subtasks are.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("done takes exactly one id, got %d", len(args))
			}

			taskID, subID, err := parseRef(args[0])
			if err != nil {
				return err
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			now := time.Now()
			done := !*undo

			err = st.Update(func(doc *document.Document) error {
				task := doc.Task(taskID)
				if task == nil {
					return fmt.Errorf("%w: #%d", ErrTaskNotFound, taskID)
				}

				if subID != 0 {
					sub := task.Subtask(subID)
					if sub == nil {
						return fmt.Errorf("%w: #%d.%d", ErrSubtaskNotFound, taskID, subID)
					}

					sub.SetCompleted(done, now)
				} else {
					for i := range task.Subtasks {
						task.Subtasks[i].SetCompleted(done, now)
					}
				}

				switch {
				case !done:
					task.CompletedAt = nil
				case task.CompletedAt == nil && (len(task.Subtasks) == 0 || task.IsComplete()):
					task.CompletedAt = document.At(now)
				}

				return nil
			})
			if err != nil {
				return err
			}

			err = st.Flush()
			if err != nil {
				return err
			}

			state := "done"
			if *undo {
				state = "open"
			}

			o.Printf("Marked %s %s\n", args[0], state)

			return nil
		},
	}
}

func formatTask(task *document.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "#%d %s %s", task.ID, checkbox(task.IsComplete()), task.Title)

	if task.DueDate != nil {
		fmt.Fprintf(&b, " (due %s)", task.DueDate.Time().Format("2006-01-02 15:04"))
	}

	if task.FolderPath != "" {
		fmt.Fprintf(&b, " [%s]", task.FolderPath)
	}

	return b.String()
}

func formatSubtask(sub *document.SubTask) string {
	line := fmt.Sprintf("#%d.%d %s %s", sub.TodoID, sub.ID, checkbox(sub.Completed), sub.Title)

	if sub.DueDate != nil {
		line += fmt.Sprintf(" (due %s)", sub.DueDate.Time().Format("2006-01-02 15:04"))
	}

	return line
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}

	return "[ ]"
}

// parseRef parses "3" or "3.7" into task and subtask ids.
func parseRef(ref string) (int, int, error) {
	taskPart, subPart, hasSub := strings.Cut(strings.TrimPrefix(ref, "#"), ".")

	taskID, err := strconv.Atoi(taskPart)
	if err != nil || taskID <= 0 {
		return 0, 0, usageError("invalid id %q", ref)
	}

	if !hasSub {
		return taskID, 0, nil
	}

	subID, err := strconv.Atoi(subPart)
	if err != nil || subID <= 0 {
		return 0, 0, usageError("invalid subtask id %q", ref)
	}

	return taskID, subID, nil
}

func parseDue(value string) (*document.Timestamp, error) {
	if value == "" {
		return nil, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDue, err)
	}

	t, ok := document.ParseLenient(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDue, value)
	}

	return document.At(t), nil
}
