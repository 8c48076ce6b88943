// SPDX-FileCopyrightText: Copyright 2025 MEW Protocol Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/mewproto/mew/pkg/protocol"
)

// spaceSummary mirrors the operator API space listing.
type spaceSummary struct {
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	Streams      int    `json:"streams"`
	Proposals    int    `json:"proposals"`
}

// participantSummary mirrors the operator API participant listing.
type participantSummary struct {
	ID           string                 `json:"id"`
	Capabilities []protocol.Capability  `json:"capabilities"`
	Status       protocol.StatusPayload `json:"status"`
}

func newStatusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status [space]",
		Short: "Show live gateway state",
		Long: `Show live gateway state through the operator API.

Without arguments it lists every configured space with its connection,
stream, and open proposal counts. With a space name it lists that space's
connected participants, their grants, and their pause state.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return printParticipants(cmd.Context(), server, args[0])
			}
			return printSpaces(cmd.Context(), server)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "Gateway base URL")

	return cmd
}

func apiGet(ctx context.Context, server, path string, out any) error {
	base, err := url.Parse(server)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	endpoint := base.JoinPath(path).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway at %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newStatusTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	return table
}

func printSpaces(ctx context.Context, server string) error {
	var spaces []spaceSummary
	if err := apiGet(ctx, server, "/api/v1/spaces", &spaces); err != nil {
		return err
	}
	if len(spaces) == 0 {
		fmt.Println("No spaces configured.")
		return nil
	}

	table := newStatusTable([]string{"Space", "Participants", "Streams", "Proposals"})
	for _, s := range spaces {
		if err := table.Append([]string{
			s.Name,
			strconv.Itoa(s.Participants),
			strconv.Itoa(s.Streams),
			strconv.Itoa(s.Proposals),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func printParticipants(ctx context.Context, server, space string) error {
	var participants []participantSummary
	path := "/api/v1/spaces/" + url.PathEscape(space) + "/participants"
	if err := apiGet(ctx, server, path, &participants); err != nil {
		return err
	}
	if len(participants) == 0 {
		fmt.Printf("No participants connected to space %q.\n", space)
		return nil
	}

	table := newStatusTable([]string{"Participant", "State", "Capabilities", "Queued"})
	for _, p := range participants {
		kinds := make([]string, 0, len(p.Capabilities))
		for _, c := range p.Capabilities {
			kinds = append(kinds, c.Kind)
		}

		state := p.Status.State
		if p.Status.PausedUntil != nil {
			state += " until " + p.Status.PausedUntil.Format(time.RFC3339)
		}

		if err := table.Append([]string{
			p.ID,
			state,
			strings.Join(kinds, ", "),
			strconv.Itoa(p.Status.QueuedWhilePaused),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
