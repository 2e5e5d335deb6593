package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/smsqueue/internal/client"
	"github.com/foxzi/smsqueue/internal/config"
)

var (
	serverURL string
	apiKey    string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Control campaigns on a running server",
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignQueueCmd = &cobra.Command{
	Use:   "queue <campaign_id>",
	Short: "Create the messages of a sending campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignQueue,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a sending campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignPause,
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignResume,
}

var campaignSyncCmd = &cobra.Command{
	Use:   "sync [campaign_id]",
	Short: "Recompute campaign counters from messages",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCampaignSync,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics of a running server",
	RunE:  runStats,
}

func init() {
	for _, c := range []*cobra.Command{campaignCmd, statsCmd} {
		c.PersistentFlags().StringVar(&serverURL, "server", "", "API base URL (default derived from config, else http://localhost:8080)")
		c.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SMSQUEUE_API_KEY"), "API key")
	}

	campaignCmd.AddCommand(campaignShowCmd, campaignQueueCmd, campaignPauseCmd, campaignResumeCmd, campaignSyncCmd)
	rootCmd.AddCommand(campaignCmd, statsCmd)
}

func newClient() *client.Client {
	base, key := serverURL, apiKey
	if cfgFile != "" && (base == "" || key == "") {
		if cfg, err := config.Load(cfgFile); err == nil {
			if base == "" {
				base = baseURLFromAddr(cfg.API.ListenAddr)
			}
			if key == "" {
				key = cfg.API.APIKey
			}
		}
	}
	if base == "" {
		base = "http://localhost:8080"
	}
	return client.New(base, key)
}

func baseURLFromAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := newClient().GetCampaign(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	if c.Name != "" {
		fmt.Printf("Name:       %s\n", c.Name)
	}
	fmt.Printf("Status:     %s\n", c.Status)
	fmt.Printf("User:       %s\n", c.UserID)
	fmt.Printf("Provider:   %s\n", c.ProviderID)
	fmt.Printf("Country:    %s\n", c.Country)
	fmt.Printf("Contacts:   %d\n", c.ContactCount)
	fmt.Printf("Sent:       %d\n", c.SentCount)
	fmt.Printf("Delivered:  %d\n", c.DeliveredCount)
	fmt.Printf("Failed:     %d\n", c.FailedCount)
	fmt.Printf("Progress:   %d%%\n", c.Progress)
	fmt.Printf("Estimated:  %.4f\n", c.EstimatedCost)
	fmt.Printf("Actual:     %.4f\n", c.ActualCost)
	if c.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	return nil
}

func runCampaignQueue(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := newClient().QueueCampaign(ctx, args[0])
	if err != nil {
		return err
	}

	if res.AlreadyRunning {
		fmt.Printf("Campaign %s is already being queued\n", res.CampaignID)
		return nil
	}

	fmt.Printf("Campaign %s queued\n", res.CampaignID)
	fmt.Printf("  Queued:  %d\n", res.Queued)
	fmt.Printf("  Blocked: %d\n", res.Blocked)
	fmt.Printf("  Failed:  %d\n", res.Failed)
	fmt.Printf("  Skipped: %d\n", res.Skipped)
	return nil
}

func runCampaignPause(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := newClient().PauseCampaign(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Campaign %s %s (%d messages)\n", res.CampaignID, res.Status, res.Messages)
	return nil
}

func runCampaignResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := newClient().ResumeCampaign(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Campaign %s %s (%d messages)\n", res.CampaignID, res.Status, res.Messages)
	return nil
}

func runCampaignSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	id := ""
	if len(args) == 1 {
		id = args[0]
	}

	res, err := newClient().SyncCampaign(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Checked %d campaigns, corrected %d, completed %d\n", res.Checked, res.Corrected, res.Completed)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	stats, err := newClient().QueueStats(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tSEC\tMIN\tHOUR\tCAN SEND")
	for _, p := range stats.Providers {
		fmt.Fprintf(w, "%s\t%d/%d\t%d/%d\t%d/%d\t%d\n",
			p.ProviderID,
			p.SecondCount, p.Limits.PerSecond,
			p.MinuteCount, p.Limits.PerMinute,
			p.HourCount, p.Limits.PerHour,
			p.CanSend,
		)
	}
	w.Flush()

	fmt.Printf("\nMessages: %d total, %d claimed\n", stats.Total, stats.ClaimedMessages)
	for status, n := range stats.Messages {
		fmt.Printf("  %s: %d\n", status, n)
	}
	fmt.Printf("Campaign locks: %d, cycle running: %t\n", stats.CampaignLocks, stats.CycleRunning)
	return nil
}
