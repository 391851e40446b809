package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"gemini_proxy/internal/admin"
)

var (
	statsAddr    string
	statsTimeout time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the counters of a running proxy",
	Long: `Query the grpc admin endpoint of a running proxy (started with --grpc-addr)
and print its daily and total counters as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statsTimeout)
		defer cancel()

		conn, err := grpc.NewClient(statsAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("connect %s: %w", statsAddr, err)
		}
		defer conn.Close()

		snapshot, err := admin.FetchSnapshot(ctx, conn)
		if err != nil {
			return fmt.Errorf("fetch snapshot: %w", err)
		}
		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(snapshot)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsAddr, "addr", "127.0.0.1:9090", "grpc admin address of the proxy")
	statsCmd.Flags().DurationVar(&statsTimeout, "timeout", 5*time.Second, "request timeout")
	rootCmd.AddCommand(statsCmd)
}
