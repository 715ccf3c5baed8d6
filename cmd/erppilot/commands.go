package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"erppilot/internal/prefs"
	"erppilot/internal/types"
)

// chatCmd starts the interactive loop.
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	conversationID := uuid.NewString()
	fmt.Printf("ERPPilot ready (user: %s, backend: %s). Type 'exit' to quit.\n", userID, a.cfg.Backend.Model)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if ctx.Err() != nil {
			break
		}

		reply, err := a.svc.ProcessMessage(ctx, userID, conversationID, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(reply.Response)
	}
	fmt.Println("Goodbye.")
	return scanner.Err()
}

// runCmd processes a single message and exits.
var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Process one message through the pipeline",
	Long: `Sends a single message through parse -> authorize -> execute and prints
the response. Confirmation-gated actions cannot complete in one shot; use
chat for those.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		reply, err := a.svc.ProcessMessage(ctx, userID, uuid.NewString(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply.Response)
		if !reply.Success && reply.Err != "" {
			os.Exit(1)
		}
		return nil
	},
}

// statusCmd reports backend health.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check completion backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		status := a.svc.CheckStatus(cmd.Context())
		fmt.Printf("Backend:  %s (%s)\n", a.cfg.Backend.BaseURL, a.cfg.Backend.Model)
		fmt.Printf("Status:   %s\n", status)
		fmt.Printf("Database: %s\n", a.cfg.Storage.DatabasePath)
		return nil
	},
}

// historyCmd prints recent conversation turns.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent conversation turns for the acting user",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		turns, err := a.svc.GetConversationHistory(cmd.Context(), userID, limit)
		if err != nil {
			return err
		}
		if len(turns) == 0 {
			fmt.Println("No history.")
			return nil
		}
		for _, turn := range turns {
			fmt.Printf("you: %s\n     %s\n", turn.UserText, turn.Response)
		}
		return nil
	},
}

// actionsCmd lists what the acting user may do.
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List actions the acting user's roles permit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		actions, err := a.svc.GetUserPermissions(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("No permitted actions.")
			return nil
		}
		for _, action := range actions {
			fmt.Println(action)
		}
		return nil
	},
}

// prefsCmd reads or writes user preferences.
var prefsCmd = &cobra.Command{
	Use:   "prefs [field] [value]",
	Short: "Show or set user preferences",
	Long: fmt.Sprintf(`With no arguments, lists the settable fields. With a field and value,
updates that preference for the acting user.

Fields: %s`, strings.Join(prefs.Fields(), ", ")),
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			for _, f := range prefs.Fields() {
				fmt.Println(f)
			}
			return nil
		}
		if len(args) != 2 {
			return fmt.Errorf("usage: erppilot prefs <field> <value>")
		}

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.svc.UpdateUserPreference(cmd.Context(), userID, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s for %s\n", args[0], args[1], userID)
		return nil
	},
}

// statsCmd prints audit analytics. Admin only.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show command log analytics (admin only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := requireAdmin(cmd, a); err != nil {
			return err
		}

		summary, err := a.svc.Analytics(cmd.Context(), time.Now().AddDate(0, 0, -days))
		if err != nil {
			return err
		}

		fmt.Printf("Requests:     %d (ok %d, failed %d, denied %d, unparsed %d)\n",
			summary.Total, summary.Succeeded, summary.Failed, summary.Denied, summary.ParseFailed)
		fmt.Printf("Avg latency:  %v\n", summary.AvgTotalTime.Round(time.Millisecond))
		if len(summary.TopActions) > 0 {
			fmt.Println("Top actions:")
			for _, ac := range summary.TopActions {
				fmt.Printf("  %-28s %d\n", ac.Action, ac.Count)
			}
		}
		if len(summary.TopUsers) > 0 {
			fmt.Println("Top users:")
			for _, uc := range summary.TopUsers {
				fmt.Printf("  %-28s %d\n", uc.UserID, uc.Count)
			}
		}
		return nil
	},
}

func requireAdmin(cmd *cobra.Command, a *app) error {
	roles, err := a.oracle.Roles(cmd.Context(), userID)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r == types.RoleSystemManager {
			return nil
		}
	}
	return fmt.Errorf("stats requires the System Manager role")
}

func init() {
	historyCmd.Flags().Int("limit", 10, "Number of turns to show")
	statsCmd.Flags().Int("days", 7, "Window in days")
}
