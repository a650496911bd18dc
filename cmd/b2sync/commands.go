package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	b2sync "github.com/schaermu/b2sync/internal/sync"
)

var (
	pullDryRun bool
	pullForce  bool
	pullPrune  bool

	syncYes       bool
	syncKeepLocal bool
)

var pullCmd = &cobra.Command{
	Use:   "pull [entry...]",
	Short: "Fetch new and changed objects from the remote store",
	Long: `Pull lists the remote objects of every kind, fetches those whose revision
differs from the local one and writes them into the workspace. The metadata
is only updated once every batch succeeded.

Pull refuses to run on a dirty git work tree unless --force is given or
sync.require_clean is false.`,
	RunE: runPull,
}

var saveCmd = &cobra.Command{
	Use:   "save <file>...",
	Short: "Save local objects to the remote store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSave,
}

var renameCmd = &cobra.Command{
	Use:   "rename <file> <new-handle>",
	Short: "Rename an object remotely and locally",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <file> <new-handle>",
	Short: "Copy an object under a new handle",
	Args:  cobra.ExactArgs(2),
	RunE:  runClone,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <file>",
	Short: "Delete an object remotely and locally",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var syncRevisionCmd = &cobra.Command{
	Use:   "sync-revision <file>",
	Short: "Reconcile one object with its remote version",
	Long: `Sync-revision compares the object with its remote version. When the content
is equal only the stored revision is refreshed. When it differs, the local
files are replaced with the remote version after confirmation. Nothing is
written to the remote store.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncRevision,
}

var statusCmd = &cobra.Command{
	Use:   "status [entry...]",
	Short: "Show the sync state of local objects",
	RunE:  runStatus,
}

var pagesCmd = &cobra.Command{
	Use:   "pages [entry...]",
	Short: "List the components served as pages",
	RunE:  runPages,
}

var reloadCmd = &cobra.Command{
	Use:   "reload [entry...]",
	Short: "Re-read the metadata files of the workspace",
	RunE:  runReload,
}

var repairCmd = &cobra.Command{
	Use:   "repair [entry...]",
	Short: "Finish interrupted rename, clone and delete operations",
	RunE:  runRepair,
}

func init() {
	pullCmd.Flags().BoolVar(&pullDryRun, "dry-run", false, "show what would be done without making changes")
	pullCmd.Flags().BoolVar(&pullForce, "force", false, "pull even if the git work tree has uncommitted changes")
	pullCmd.Flags().BoolVar(&pullPrune, "prune", false, "remove local objects deleted remotely")

	syncRevisionCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "replace local files on conflict without asking")
	syncRevisionCmd.Flags().BoolVar(&syncKeepLocal, "keep-local", false, "keep local files on conflict without asking")
	syncRevisionCmd.MarkFlagsMutuallyExclusive("yes", "keep-local")

	rootCmd.AddCommand(pullCmd, saveCmd, renameCmd, cloneCmd, deleteCmd, syncRevisionCmd,
		statusCmd, pagesCmd, reloadCmd, repairCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	opts := b2sync.Options{DryRun: pullDryRun, Prune: pullPrune}
	return withApp(opts, func(ctx context.Context, a *app) error {
		if !pullForce && !pullDryRun && a.cfg.RequireCleanTree() {
			if err := a.ws.CheckClean(ctx); err != nil {
				return err
			}
		}

		containers, err := a.containers(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range containers {
			res, err := a.engine.Pull(ctx, c)
			if err != nil {
				a.logger.Error("pull failed", "container", c.Name(), "error", err)
				return err
			}
			verb := "pulled"
			if res.DryRun {
				verb = "would pull"
			}
			_, _ = fmt.Fprintf(out, "%s: %s %d, pruned %d\n", c.Name(), verb, res.Plan.FetchCount(), res.Plan.PruneCount())
		}
		return nil
	})
}

func runSave(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		for _, arg := range args {
			c, ref, err := a.locate(arg)
			if err != nil {
				return err
			}
			c.Enqueue(ref)
		}
		for _, c := range a.ws.Containers() {
			if err := c.Wait(ctx); err != nil {
				return err
			}
		}
		if err := a.saveFailures(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved %d object(s)\n", len(args))
		return nil
	})
}

func runRename(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		c, ref, err := a.locate(args[0])
		if err != nil {
			return err
		}
		renamed, err := c.Rename(ctx, ref, args[1])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "renamed %s %q to %q (revision %s)\n", ref.Kind, ref.Handle, renamed.Handle, renamed.Revision)
		return nil
	})
}

func runClone(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		c, ref, err := a.locate(args[0])
		if err != nil {
			return err
		}
		cloned, err := c.Clone(ctx, ref, args[1])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cloned %s %q to %q (id %s)\n", ref.Kind, ref.Handle, cloned.Handle, cloned.ID)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		c, ref, err := a.locate(args[0])
		if err != nil {
			return err
		}
		if err := c.Delete(ctx, ref); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %q\n", ref.Kind, ref.Handle)
		return nil
	})
}

func runSyncRevision(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		c, ref, err := a.locate(args[0])
		if err != nil {
			return err
		}
		confirm := promptConfirm(cmd.InOrStdin(), cmd.OutOrStdout())
		switch {
		case syncYes:
			confirm = func(b2sync.Reconciliation) (bool, error) { return true, nil }
		case syncKeepLocal:
			confirm = func(b2sync.Reconciliation) (bool, error) { return false, nil }
		}

		rec, err := a.engine.Reconcile(ctx, c, ref, confirm)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %q: %s (revision %s)\n", ref.Kind, ref.Handle, rec.Outcome, rec.RemoteRevision)
		return nil
	})
}

// promptConfirm asks on out and reads the answer from in.
func promptConfirm(in io.Reader, out io.Writer) b2sync.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(r b2sync.Reconciliation) (bool, error) {
		_, _ = fmt.Fprintf(out, "%s %q differs from remote revision %s. Replace local files with the remote version? [y/N] ",
			r.Ref.Kind, r.Ref.Handle, r.RemoteRevision)
		answer, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		containers, err := a.containers(args)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ENTRY\tKIND\tHANDLE\tID\tREVISION\tSTATE")
		for _, c := range containers {
			status, err := c.Status()
			if err != nil {
				return err
			}
			for _, s := range status {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.Name(), s.Kind, s.Handle, orDash(s.ID), orDash(s.Revision), s.State)
			}
		}
		return tw.Flush()
	})
}

func runPages(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		containers, err := a.containers(args)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ENTRY\tPATH\tCOMPONENT\tID\tCONTROLLER")
		for _, c := range containers {
			pages, err := c.Pages()
			if err != nil {
				return err
			}
			for _, p := range pages {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.Name(), p.Path, p.Handle, p.ID, orDash(p.ControllerID))
			}
		}
		return tw.Flush()
	})
}

func runReload(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		containers, err := a.containers(args)
		if err != nil {
			return err
		}
		for _, c := range containers {
			if err := c.Reload(); err != nil {
				return err
			}
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d container(s)\n", len(containers))
		return nil
	})
}

func runRepair(cmd *cobra.Command, args []string) error {
	return withApp(b2sync.Options{}, func(ctx context.Context, a *app) error {
		containers, err := a.containers(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range containers {
			in, err := c.Recover(ctx)
			if err != nil {
				return err
			}
			if in == nil {
				_, _ = fmt.Fprintf(out, "%s: nothing to repair\n", c.Name())
				continue
			}
			_, _ = fmt.Fprintf(out, "%s: resolved interrupted %s of %s %q\n", c.Name(), in.Op, in.Kind, in.From)
		}
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
