package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/printgate/printgate/internal/client"
	"github.com/printgate/printgate/internal/rest"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker, pool, queue and recovery state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List jobs waiting for retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Queue(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "JOB ID\tATTEMPTS\tCREATED\tLAST ERROR\n")
		for _, job := range resp.Jobs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", job.ID, job.Attempts, job.CreatedAt.Format(time.RFC3339), job.LastError)
		}
		w.Flush()
		fmt.Printf("\n%d job(s) queued, circuit %s\n", resp.QueueSize, resp.Breaker.State)
		return nil
	},
}

var printCmd = &cobra.Command{
	Use:   "print [text]",
	Short: "Submit text to print",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := rest.PrintRequest{Text: strings.Join(args, " ")}
		req.FontSize, _ = cmd.Flags().GetString("font-size")
		req.NoRetry, _ = cmd.Flags().GetBool("no-retry")
		if cmd.Flags().Changed("bold") {
			bold, _ := cmd.Flags().GetBool("bold")
			req.FontBold = &bold
		}

		res, err := newClient().Print(cmd.Context(), req)
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		return err
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run the recovery ladder now",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().TriggerRecovery(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Emergency clear: reset the breaker and drop all queued jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear without --yes")
		}
		report, err := newClient().EmergencyClear(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var droppedCmd = &cobra.Command{
	Use:   "dropped",
	Short: "List jobs abandoned after too many attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := newClient().Dropped(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, queueCmd, printCmd, recoverCmd, clearCmd, droppedCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "printgate server URL")
		c.Flags().StringVar(&apiKey, "api-key", "", "API key (defaults to PRINTGATE_API_KEY)")
		rootCmd.AddCommand(c)
	}

	printCmd.Flags().String("font-size", "", "font size (small, normal, large, xlarge, double)")
	printCmd.Flags().Bool("bold", false, "print bold")
	printCmd.Flags().Bool("no-retry", false, "fail instead of queueing when the printer is unavailable")
	clearCmd.Flags().Bool("yes", false, "confirm the clear")
	droppedCmd.Flags().Int("limit", 20, "maximum entries to show")
}

func newClient() *client.Client {
	key := apiKey
	if key == "" {
		key = os.Getenv("PRINTGATE_API_KEY")
	}
	return client.New(serverURL, key)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
