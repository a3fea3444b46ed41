package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/marketpipe/internal/artifact"
	"github.com/jmylchreest/marketpipe/internal/models"
	"github.com/jmylchreest/marketpipe/internal/session"
	"github.com/jmylchreest/marketpipe/internal/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage pipeline sessions",
	Long: `Commands for inspecting and managing the persisted pipeline sessions
under the artifact root.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its artifacts",
	Long: `Delete a session's state and artifact trees. Archived copies from the
age sweep are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsDelete,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// openSessionStore wires just enough of the stack to reach session state
// on disk. The journal database and providers stay untouched.
func openSessionStore() (*session.Manager, *artifact.Store, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	sandbox, err := storage.NewSandbox(cfg.Storage.ArtifactRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("opening artifact root: %w", err)
	}
	return session.NewManager(sandbox, logger), artifact.NewStore(sandbox, logger), nil
}

func runSessionsList(_ *cobra.Command, _ []string) error {
	manager, _, err := openSessionStore()
	if err != nil {
		return err
	}

	sessions, err := manager.List()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tSTATUS\tCOMPLETED\tCREATED\tSEGMENT")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID,
			s.Status,
			formatStages(s.CompletedStages),
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.Brief.Segment)
	}
	return w.Flush()
}

func runSessionsShow(_ *cobra.Command, args []string) error {
	manager, store, err := openSessionStore()
	if err != nil {
		return err
	}

	sess, err := manager.Get(args[0])
	if err != nil {
		return err
	}

	// Mirrors the API status response: the report path appears once
	// Stage 3 has produced one.
	out := struct {
		*models.Session
		ReportPath string `json:"report_path,omitempty"`
	}{Session: sess}
	if path, err := store.ReportPath(sess.SessionID); err == nil {
		out.ReportPath = path
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runSessionsDelete(_ *cobra.Command, args []string) error {
	manager, _, err := openSessionStore()
	if err != nil {
		return err
	}

	removed, err := manager.Delete(args[0])
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if !removed {
		return fmt.Errorf("session %q not found", args[0])
	}
	fmt.Printf("session %s deleted\n", args[0])
	return nil
}

func formatStages(stages []models.Stage) string {
	if len(stages) == 0 {
		return "-"
	}
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = strconv.Itoa(int(s))
	}
	return strings.Join(parts, ",")
}
