package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"wxgate/internal/domain"
	"wxgate/internal/message"
	"wxgate/internal/signature"

	"github.com/spf13/cobra"
)

func signCmd() *cobra.Command {
	var tok, timestamp, nonce, encrypt string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the request signature for a token, timestamp and nonce",
		Long: `Computes the signature the platform sends with a callback. With --encrypt
the content signature (msg_signature) over the ciphertext is printed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tok == "" {
				return fmt.Errorf("--token is required")
			}
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().Unix(), 10)
			}
			parts := []string{tok, timestamp, nonce}
			if encrypt != "" {
				parts = append(parts, encrypt)
			}
			fmt.Printf("timestamp=%s nonce=%s\n", timestamp, nonce)
			fmt.Println(signature.Compute(parts...))
			return nil
		},
	}
	cmd.Flags().StringVar(&tok, "token", "", "verification token")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "timestamp (default: now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce")
	cmd.Flags().StringVar(&encrypt, "encrypt", "", "ciphertext for the content signature")
	return cmd
}

func tokenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "token [appId]",
		Short: "Fetch an access token through the cache and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			creds, err := loadCredentials(ctx, st, args[0])
			if err != nil {
				return err
			}
			stack := newTokenStack(cfg, st, nil, logger)
			tok, err := stack.cache.Get(ctx, creds, force)
			if err != nil {
				return err
			}
			t, _ := stack.cache.Peek(creds.AppID)
			fmt.Println(tok)
			fmt.Fprintf(os.Stderr, "expires %s\n", t.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refresh even if the stored token is still valid")
	return cmd
}

func pushCmd() *cobra.Command {
	var text, image, news string
	cmd := &cobra.Command{
		Use:   "push [appId] [openId]",
		Short: "Send a custom message to a user",
		Long: `Sends a text, image, or news message through the custom message API.
--news takes a JSON array of {"title","description","url","imageUrl"}.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pushPacket(text, image, news)
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			creds, err := loadCredentials(ctx, st, args[0])
			if err != nil {
				return err
			}
			stack := newTokenStack(cfg, st, nil, logger)
			if err := stack.client.Push(ctx, creds, args[1], p); err != nil {
				return err
			}
			logger.Info("message sent", "app_id", creds.AppID, "to", args[1], "type", p.MsgType())
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text content")
	cmd.Flags().StringVar(&image, "image", "", "image media id")
	cmd.Flags().StringVar(&news, "news", "", "news articles as JSON")
	return cmd
}

func pushPacket(text, image, news string) (message.Packet, error) {
	var (
		p message.Packet
		n int
	)
	if text != "" {
		p, n = message.TextPacket{Content: text}, n+1
	}
	if image != "" {
		p, n = message.ImagePacket{MediaID: image}, n+1
	}
	if news != "" {
		var articles []message.Article
		if err := json.Unmarshal([]byte(news), &articles); err != nil {
			return nil, fmt.Errorf("parse --news: %w", err)
		}
		p, n = message.NewsPacket{Articles: articles}, n+1
	}
	if n != 1 {
		return nil, fmt.Errorf("exactly one of --text, --image, --news is required")
	}
	return p, nil
}

func deliveriesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries [appId]",
		Short: "Show recently dispatched events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, st, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			dl, ok := st.(domain.DeliveryLog)
			if !ok {
				return fmt.Errorf("the configured store does not record deliveries")
			}
			appID := ""
			if len(args) == 1 {
				appID = args[0]
			}
			recent, err := dl.RecentDeliveries(ctx, appID, limit)
			if err != nil {
				return err
			}
			for _, d := range recent {
				fmt.Printf("%s  %-16s %-14s %-28s replied=%t  %s\n",
					d.CreatedAt.Format(time.RFC3339), d.AppID, d.Kind, d.From, d.Replied, d.RequestID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of deliveries to show")
	return cmd
}
