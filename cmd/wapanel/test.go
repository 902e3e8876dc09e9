package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wapanel/internal/recipients"
	"github.com/foxzi/wapanel/internal/whatsapp"
)

var (
	testSendTo       string
	testSendTemplate string
	testSendLanguage string
	testSendParams   []string
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one template message directly, bypassing campaigns and quota",
	RunE:  runTestSend,
}

func init() {
	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient phone (required)")
	testSendCmd.Flags().StringVar(&testSendTemplate, "template", "hello_world", "Template name")
	testSendCmd.Flags().StringVar(&testSendLanguage, "language", "", "Template language (default: whatsapp.default_language)")
	testSendCmd.Flags().StringArrayVar(&testSendParams, "param", nil, "Template parameter as key=value, repeatable")
	testSendCmd.MarkFlagRequired("to")

	testCmd.AddCommand(testSendCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	phone, ok := recipients.New(recipients.Config{
		DefaultRegion: cfg.Recipients.DefaultRegion,
		MinDigits:     cfg.Recipients.MinDigits,
	}).Normalize(testSendTo)
	if !ok {
		return fmt.Errorf("invalid phone %q", testSendTo)
	}

	params, err := parseParams(testSendParams)
	if err != nil {
		return err
	}

	language := testSendLanguage
	if language == "" {
		language = cfg.WhatsApp.DefaultLanguage
	}

	if cfg.WhatsApp.DryRun {
		fmt.Println("whatsapp.dry_run is enabled, nothing will be delivered")
		return nil
	}

	client, err := whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.WhatsApp.BaseURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		Timeout:       cfg.WhatsApp.Timeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Sending %s (%s) to %s...\n", testSendTemplate, language, phone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	res, err := client.Send(ctx, &whatsapp.Message{
		To:       phone,
		Template: testSendTemplate,
		Language: language,
		Params:   params,
	})
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	fmt.Printf("Accepted in %s, message id %s\n", time.Since(start).Round(time.Millisecond), res.MessageID)
	return nil
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", p)
		}
		params[k] = v
	}
	return params, nil
}
