package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/smsqueue/internal/models"
	"github.com/foxzi/smsqueue/internal/storage"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load providers, pricing, contacts and campaigns from a fixtures file",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "fixtures YAML file")
	seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(seedCmd)
}

// Fixtures is the seed file layout
type Fixtures struct {
	Providers           []*models.Provider           `yaml:"providers"`
	RateDeckAssignments []*models.RateDeckAssignment `yaml:"rate_deck_assignments"`
	Rates               []*models.Rate               `yaml:"rates"`
	ProviderAssignments []*models.ProviderAssignment `yaml:"provider_assignments"`
	Blacklist           []*models.BlacklistedNumber  `yaml:"blacklist"`
	Contacts            []*models.Contact            `yaml:"contacts"`
	Campaigns           []*models.Campaign           `yaml:"campaigns"`
}

// seedSummary counts what was written
type seedSummary struct {
	Providers, RateDecks, Rates, Assignments, Blacklist, Contacts, Campaigns int
}

func loadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}

	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &fx, nil
}

func applyFixtures(ctx context.Context, store storage.Store, fx *Fixtures, now time.Time) (*seedSummary, error) {
	sum := &seedSummary{}

	for _, p := range fx.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider %q has no id", p.Name)
		}
		if err := store.SaveProvider(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to save provider %s: %w", p.ID, err)
		}
		sum.Providers++
	}

	for _, a := range fx.RateDeckAssignments {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.AssignedAt.IsZero() {
			a.AssignedAt = now
		}
		if err := store.SaveRateDeckAssignment(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to save rate deck assignment: %w", err)
		}
		sum.RateDecks++
	}

	for _, r := range fx.Rates {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if err := store.SaveRate(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to save rate: %w", err)
		}
		sum.Rates++
	}

	for _, a := range fx.ProviderAssignments {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if err := store.SaveProviderAssignment(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to save provider assignment: %w", err)
		}
		sum.Assignments++
	}

	for _, b := range fx.Blacklist {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
		b.CreatedAt = now
		if err := store.SaveBlacklistedNumber(ctx, b); err != nil {
			return nil, fmt.Errorf("failed to save blacklisted number: %w", err)
		}
		sum.Blacklist++
	}

	for _, c := range fx.Contacts {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if err := store.SaveContact(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to save contact: %w", err)
		}
		sum.Contacts++
	}

	for _, c := range fx.Campaigns {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Status == "" {
			c.Status = models.CampaignDraft
		}
		c.CreatedAt = now
		c.UpdatedAt = now
		if err := store.SaveCampaign(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
		}
		sum.Campaigns++
	}

	return sum, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	fx, err := loadFixtures(seedFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := applyFixtures(ctx, store, fx, time.Now())
	if err != nil {
		return err
	}

	fmt.Println("Seed complete")
	fmt.Printf("  Providers:   %d\n", sum.Providers)
	fmt.Printf("  Rate decks:  %d\n", sum.RateDecks)
	fmt.Printf("  Rates:       %d\n", sum.Rates)
	fmt.Printf("  Assignments: %d\n", sum.Assignments)
	fmt.Printf("  Blacklist:   %d\n", sum.Blacklist)
	fmt.Printf("  Contacts:    %d\n", sum.Contacts)
	fmt.Printf("  Campaigns:   %d\n", sum.Campaigns)
	return nil
}
