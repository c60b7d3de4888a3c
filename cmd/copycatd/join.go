package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/transport"
)

var joinCmd = &cobra.Command{
	Use:   "join --leader HOST:PORT --member HOST:PORT",
	Short: "Ask the cluster to admit member as a new passive learner",
	Long: `join sends a JoinRequest for --member to --leader. A brand new
member should already be running "serve" against an empty data
directory before this is called: join only proposes the membership
change, it does not start the remote process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		leaderAddr, _ := cmd.Flags().GetString("leader")
		memberAddr, _ := cmd.Flags().GetString("member")

		leader, err := parseAddress(leaderAddr)
		if err != nil {
			return err
		}
		member, err := parseAddress(memberAddr)
		if err != nil {
			return err
		}

		tr := transport.NewHTTP(nil)
		peer := tr.Peer(leader)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		resp, err := peer.Join(ctx, &transport.JoinRequest{Member: member})
		if err != nil {
			return fmt.Errorf("join request to %s: %w", leaderAddr, err)
		}
		if resp.Error == transport.ErrNoLeader && resp.Leader != (entry.Address{}) {
			return fmt.Errorf("not the leader; retry against %s", resp.Leader)
		}
		if resp.Error != "" {
			return fmt.Errorf("join rejected: %s", resp.Error)
		}

		fmt.Printf("✓ %s admitted as passive\n", memberAddr)
		return nil
	},
}

func init() {
	joinCmd.Flags().String("leader", "", "Address of the current leader (required)")
	joinCmd.Flags().String("member", "", "Address of the member to admit (required)")
	joinCmd.MarkFlagRequired("leader")
	joinCmd.MarkFlagRequired("member")

	rootCmd.AddCommand(joinCmd)
}
