package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sharelift/pkg/membership"
	"sharelift/pkg/transport"
	"sharelift/pkg/wire"
)

func statusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status <address>",
		Short: "Show the cluster view of a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := transport.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get status from %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(reply))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the node")
	return cmd
}

func renderStatus(env *wire.Envelope) string {
	members := append([]wire.MemberRecord(nil), env.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	t := newTable("NODE", "STATE", "HEARTBEAT")
	for _, m := range members {
		id := m.ID
		if id == env.From {
			id += " *"
		}
		t.Row(id, stateCell(membership.State(m.State).String()), strconv.FormatUint(m.Heartbeat, 10))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Cluster view"))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("from %s, epoch %d, last completed pass %d", env.From, env.Epoch, env.Pass)))
	b.WriteString("\n")
	b.WriteString(t.Render())
	return b.String()
}
