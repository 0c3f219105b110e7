package cli

import (
	"context"
	"path/filepath"

	flag "github.com/spf13/pflag"
)

// BackupCmd returns the backup command.
func BackupCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("backup", flag.ContinueOnError),
		Usage: "backup [name]",
		Short: "Create a named backup",
		Long: "Write the current document to <file>.<name>. Named backups are never rotated away.\n" +
			"Without a name, manual_<YYYYMMDD_HHMMSS> is used.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 1 {
				return usageError("backup takes at most one name, got %d", len(args))
			}

			name := ""
			if len(args) == 1 {
				name = args[0]
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			path, err := st.CreateBackup(name)
			if err != nil {
				return err
			}

			o.Println(path)

			return nil
		},
	}
}

// BackupsCmd returns the backups command.
func BackupsCmd(sess *session) *Command {
	return &Command{
		Flags:    flag.NewFlagSet("backups", flag.ContinueOnError),
		Usage:    "backups",
		Short:    "List backups, newest first",
		ReadOnly: true,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			infos, err := st.BackupInfos()
			if err != nil {
				return err
			}

			if len(infos) == 0 {
				o.Println("No backups")

				return nil
			}

			for _, info := range infos {
				kind := "rotated"
				if info.Manual {
					kind = "manual"
				}

				o.Printf("%s\t%s\t%d\t%s\n", filepath.Base(info.Path), info.ModTime.Format("2006-01-02 15:04:05"), info.Size, kind)
			}

			return nil
		},
	}
}

// RestoreCmd returns the restore command.
func RestoreCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("restore", flag.ContinueOnError),
		Usage: "restore <backup>",
		Short: "Replace the document with a backup",
		Long: "Replace the document with a backup, given as a path or a file name from 'tv backups'.\n" +
			"The replaced document moves into the backup chain, so a restore can be undone.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("restore takes exactly one backup, got %d", len(args))
			}

			st, err := sess.open(ctx)
			if err != nil {
				return err
			}

			err = st.RestoreFromBackup(args[0])
			if err != nil {
				return err
			}

			o.Printf("Restored %d tasks from %s\n", len(st.Records()), args[0])

			return nil
		},
	}
}
