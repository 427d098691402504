package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/modsync/src/audit"
	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/module_store"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Inspect and edit the module store directly",
		Long: `Offline administration of the module store. Changes made here reach a
running node on its next startup; use the admin API to notify it at once.`,
	}
	cmd.AddCommand(
		newModulesListCommand(),
		newModulesUploadCommand(),
		newModulesDeleteCommand(),
		newModulesVerifyCommand(),
		newModulesAuditCommand(),
	)
	return cmd
}

func withStore(fn func(cmd *cobra.Command, store *module_store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		return fn(cmd, store, args)
	}
}

func newModulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored modules with every node's state",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *module_store.Store, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tFILE\tSIZE\tSTATES")
			for _, rec := range store.List() {
				var states []string
				for _, ns := range store.States(rec.ID) {
					s := ns.NodeID + "=" + ns.State.String()
					if ns.ErrorMessage != "" {
						s += fmt.Sprintf("(%s)", ns.ErrorMessage)
					}
					states = append(states, s)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.ID, rec.Name, rec.Type.DirName(), rec.FileName(), rec.Size, strings.Join(states, " "))
			}
			return tw.Flush()
		}),
	}
}

func newModulesUploadCommand() *cobra.Command {
	var name, fileName string
	cmd := &cobra.Command{
		Use:   "upload <modular|custom> <path>",
		Short: "Store a module JAR, replacing a module of the same name",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *module_store.Store, args []string) error {
			t, err := module.ParseType(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			if fileName == "" {
				fileName = filepath.Base(args[1])
			}
			if name == "" {
				name = strings.TrimSuffix(fileName, filepath.Ext(fileName))
			}
			rec, op, err := store.Save(cmd.Context(), module_store.Upload{
				Name:     name,
				Type:     t,
				FileName: fileName,
				Content:  f,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d bytes, sha256 %s)\n", op, rec, rec.Size, rec.Digest)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "module name (default: file name without extension)")
	cmd.Flags().StringVar(&fileName, "file", "", "file name on the nodes (default: base name of path)")
	return cmd
}

func newModulesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Remove a module and its node states",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *module_store.Store, args []string) error {
			id := module.ID(args[0])
			if rec, err := store.FindByName(args[0]); err == nil {
				id = rec.ID
			}
			rec, err := store.Delete(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", rec)
			return nil
		}),
	}
}

func newModulesVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash stored module content",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *module_store.Store, args []string) error {
			problems := store.Verify()
			for _, p := range problems {
				fmt.Fprintln(cmd.OutOrStdout(), p.Error())
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d module(s) failed verification", len(problems))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all modules verified")
			return nil
		}),
	}
}

func newModulesAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuditLog == "" {
				return fmt.Errorf("audit_log is not configured")
			}
			evs, err := audit.ReadFrames(cfg.AuditLog)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Time.Format(time.RFC3339), e)
			}
			return nil
		},
	}
}
