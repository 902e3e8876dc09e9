package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/wapanel/internal/api"
	"github.com/foxzi/wapanel/internal/client"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/repository"
)

var (
	campaignListStatus string
	campaignListLimit  int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Bulk send management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns from the database",
	RunE:  runCampaignList,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status [campaign_id]",
	Short: "Show the active campaign, or one campaign by id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCampaignStatus,
}

func campaignActionCmd(name, short string, fn func(*client.Client, context.Context, string) (*api.ActionResponse, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <campaign_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := remoteContext()
			defer cancel()

			resp, err := fn(c, ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Campaign %s: %s ok\n", resp.CampaignID, name)
			if resp.Progress != nil {
				fmt.Printf("  %d sent, %d failed of %d\n", resp.Progress.Sent, resp.Progress.Failed, resp.Progress.Total)
			} else if resp.Async {
				fmt.Println("  running in the background")
			}
			return nil
		},
	}
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (pending, processing, paused, completed, cancelled)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(
		campaignListCmd,
		campaignStatusCmd,
		campaignActionCmd("start", "Start a draft campaign", (*client.Client).Start),
		campaignActionCmd("pause", "Pause a processing campaign", (*client.Client).Pause),
		campaignActionCmd("resume", "Resume a paused campaign", (*client.Client).Resume),
		campaignActionCmd("cancel", "Cancel a campaign", (*client.Client).Cancel),
	)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	_, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	campaigns, total, err := repository.NewCampaignRepository(database.DB).List(context.Background(), models.CampaignListFilter{
		Status: models.CampaignStatus(campaignListStatus),
		Limit:  campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSOURCE\tSENT\tFAILED\tTOTAL\tCREATED")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, truncate(c.Name, 30), c.Status, c.Source,
			c.SentCount, c.FailedCount, c.TotalRecipients,
			c.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	fmt.Printf("\nShowing %d of %d campaigns\n", len(campaigns), total)
	return nil
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	var st *models.Status
	if len(args) == 1 {
		st, err = c.Campaign(ctx, args[0])
	} else {
		st, err = c.Status(ctx)
	}
	if err != nil {
		return err
	}

	printStatus(st)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
