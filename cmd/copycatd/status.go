package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
)

var statusCmd = &cobra.Command{
	Use:   "status --peer HOST:PORT",
	Short: "Print cluster membership and leader as seen by one peer",
	Long: `status registers a throwaway session against the given peer (or
whichever member it redirects to) purely to read back the cluster's
current Active/Passive membership and leader hint; there is no
dedicated read-only status RPC, so it reuses Register.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		peerAddr, _ := cmd.Flags().GetString("peer")
		addr, err := parseAddress(peerAddr)
		if err != nil {
			return err
		}

		tr := transport.NewHTTP(nil)
		peer := tr.Peer(addr)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := peer.Register(ctx, &transport.RegisterRequest{Member: addr})
		if err != nil {
			return fmt.Errorf("register against %s: %w", peerAddr, err)
		}
		if resp.Error == transport.ErrNoLeader && resp.Leader != (entry.Address{}) {
			leaderAddr := resp.Leader
			peer = tr.Peer(leaderAddr)
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			resp, err = peer.Register(ctx2, &transport.RegisterRequest{Member: addr})
			if err != nil {
				return fmt.Errorf("register against leader %s: %w", leaderAddr, err)
			}
		}
		if resp.Error != "" {
			return fmt.Errorf("register rejected: %s", resp.Error)
		}

		fmt.Printf("Leader: %s\n", resp.Leader)
		fmt.Printf("Active members:  %s\n", formatAddrs(resp.Active))
		fmt.Printf("Passive members: %s\n", formatAddrs(resp.Passive))
		return nil
	},
}

func formatAddrs(addrs []entry.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}

func init() {
	statusCmd.Flags().String("peer", "", "Address of any member to query (required)")
	statusCmd.MarkFlagRequired("peer")
}
