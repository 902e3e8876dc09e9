package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/wapanel/internal/client"
	"github.com/foxzi/wapanel/internal/models"
)

var serverURL string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "server URL for remote commands (default: derived from api.listen_addr)")
}

// newClient builds an API client for the server described by the config file
func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(baseURL(serverURL, cfg.API.ListenAddr), cfg.API.APIKey), nil
}

func baseURL(override, listenAddr string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if strings.HasPrefix(listenAddr, ":") {
		return "http://127.0.0.1" + listenAddr
	}
	return "http://" + listenAddr
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 90*time.Second)
}

func printStatus(st *models.Status) {
	if st.Campaign == nil {
		fmt.Println("No bulk send in progress")
		fmt.Printf("Quota remaining: %d\n", st.QuotaRemaining)
		return
	}

	c := st.Campaign
	fmt.Printf("Campaign:   %s\n", c.ID)
	fmt.Printf("Name:       %s\n", c.Name)
	fmt.Printf("Template:   %s (%s)\n", c.Template, c.Language)
	fmt.Printf("Source:     %s\n", c.Source)
	fmt.Printf("Status:     %s\n", c.Status)
	if st.Progress != nil {
		p := st.Progress
		fmt.Printf("Progress:   %d%% (%d sent, %d failed, %d pending of %d)\n",
			p.Percentage, p.Sent, p.Failed, p.Pending, p.Total)
	}
	fmt.Printf("Created:    %s\n", c.CreatedAt.Format(time.RFC3339))
	if c.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", c.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("Quota remaining: %d\n", st.QuotaRemaining)
}
