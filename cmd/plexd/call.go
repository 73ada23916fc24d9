package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plexrpc/plexrpc"
)

var callCmd = &cobra.Command{
	Use:   "call <url> <method> [params-json]",
	Short: "Invoke a method on a running server",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().Duration("timeout", 30*time.Second, "Per-call deadline")
	callCmd.Flags().Bool("http", false, "Force the HTTP transport")
	viper.BindPFlag("call-timeout", callCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("call-http", callCmd.Flags().Lookup("http"))
}

func runCall(cmd *cobra.Command, args []string) error {
	url, method := args[0], args[1]
	var params any
	if len(args) == 3 {
		params = json.RawMessage(args[2])
	}

	opts := &plexrpc.ClientOptions{RequestTimeout: viper.GetDuration("call-timeout")}
	if viper.GetBool("call-http") {
		opts.FallbackToHTTP = true
		opts.ConnectionTimeout = time.Millisecond // fail the upgrade fast
	}
	ctx := context.Background()
	cli, err := plexrpc.Dial(ctx, url, opts)
	if err != nil {
		return err
	}
	defer cli.Close()

	rsp, err := cli.Call(ctx, method, params)
	if err != nil {
		if rsp != nil && rsp.Error != nil {
			bits, _ := json.MarshalIndent(rsp.Error, "", "  ")
			fmt.Fprintln(os.Stderr, string(bits))
		}
		return err
	}
	var pretty any
	if err := rsp.UnmarshalResult(&pretty); err != nil {
		return err
	}
	bits, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(bits))
	return nil
}
