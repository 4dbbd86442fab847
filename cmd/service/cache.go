package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kjstillabower/offline-resilience/internal/models"
)

// newCacheCmd groups the control-channel commands sent to a running gateway.
func newCacheCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and control a running gateway's caches",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "Gateway base URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	send := func(cmd *cobra.Command, msg models.ControlMessage) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return sendControl(ctx, http.DefaultClient, addr, msg, cmd.OutOrStdout())
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List cache namespaces and the lifecycle state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, models.ControlMessage{Type: models.ControlGetCacheStatus})
			},
		},
		&cobra.Command{
			Use:   "clear NAME",
			Short: "Delete one cache namespace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, models.ControlMessage{Type: models.ControlClearCache, Name: args[0]})
			},
		},
		&cobra.Command{
			Use:   "skip-waiting",
			Short: "Activate the new version without waiting for old sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, models.ControlMessage{Type: models.ControlSkipWaiting})
			},
		},
	)
	return cmd
}

// sendControl posts msg to addr's control endpoint and writes the reply to out.
func sendControl(ctx context.Context, hc *http.Client, addr string, msg models.ControlMessage, out io.Writer) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+"/sw/control", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, reply, "", "  ") == nil {
		reply = pretty.Bytes()
	}
	if _, err := fmt.Fprintln(out, string(bytes.TrimSpace(reply))); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed: %s", msg.Type, resp.Status)
	}
	return nil
}
