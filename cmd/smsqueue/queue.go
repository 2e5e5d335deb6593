package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/smsqueue/internal/app"
	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

var (
	queueListCampaign string
	queueListStatus   string
	queueListLimit    int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect stored messages",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show message counts by status",
	RunE:  runQueueStats,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign ID")
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (queued, processing, sent, delivered, failed, ...)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of messages to show")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}

func openStore(ctx context.Context) (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(ctx, cfg.Storage)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	messages, err := store.ListMessages(ctx, storage.MessageFilter{
		CampaignID: queueListCampaign,
		Status:     models.MessageStatus(queueListStatus),
		Limit:      queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tSTATUS\tTO\tPROVIDER\tCOST\tRETRIES\tUPDATED")
	fmt.Fprintln(w, "--\t--------\t------\t--\t--------\t----\t-------\t-------")

	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.4f\t%d/%d\t%s\n",
			truncateID(msg.ID),
			truncateID(msg.CampaignID),
			msg.Status,
			msg.To,
			msg.ProviderID,
			msg.Cost,
			msg.RetryCount,
			msg.MaxRetries,
			msg.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	msg, err := store.GetMessage(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("message not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	printMessage(msg)
	return nil
}

func printMessage(msg *models.Message) {
	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Status:      %s\n", msg.Status)
	if msg.CampaignID != "" {
		fmt.Printf("Campaign:    %s\n", msg.CampaignID)
	}
	fmt.Printf("User:        %s\n", msg.UserID)
	fmt.Printf("To:          %s\n", msg.To)
	if msg.SenderID != "" {
		fmt.Printf("Sender ID:   %s\n", msg.SenderID)
	}
	fmt.Printf("Provider:    %s\n", msg.ProviderID)
	fmt.Printf("Parts:       %d\n", msg.Parts)
	fmt.Printf("Cost:        %.4f\n", msg.Cost)
	fmt.Printf("Retries:     %d/%d\n", msg.RetryCount, msg.MaxRetries)
	fmt.Printf("Created:     %s\n", msg.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", msg.UpdatedAt.Format(time.RFC3339))
	if msg.SentAt != nil {
		fmt.Printf("Sent:        %s\n", msg.SentAt.Format(time.RFC3339))
	}
	if msg.DeliveredAt != nil {
		fmt.Printf("Delivered:   %s\n", msg.DeliveredAt.Format(time.RFC3339))
	}
	if msg.ProviderMessageID != "" {
		fmt.Printf("Provider ID: %s\n", msg.ProviderMessageID)
	}
	if msg.ErrorMessage != "" {
		fmt.Printf("\nLast Error:\n  %s\n", msg.ErrorMessage)
	}
	fmt.Printf("\nContent:\n---\n%s\n---\n", msg.Content)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	agg, err := store.AggregateMessages(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to aggregate messages: %w", err)
	}

	statuses := make([]string, 0, len(agg.Counts))
	for s := range agg.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Println("Message Statistics")
	fmt.Println("==================")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, s := range statuses {
		fmt.Fprintf(w, "%s:\t%d\n", s, agg.Counts[models.MessageStatus(s)])
	}
	fmt.Fprintf(w, "total:\t%d\n", agg.Total())
	fmt.Fprintf(w, "pending:\t%d\n", agg.Pending())
	fmt.Fprintf(w, "delivered cost:\t%.4f\n", agg.DeliveredCost)
	w.Flush()

	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
