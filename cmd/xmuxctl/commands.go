package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	sendWait  bool
	sendCount int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "列出服务端承载的服务 id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
		defer cancel()

		ids, err := c.session.ListServices(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatIDs(ids))
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <service-id>...",
	Short: "加入服务并输出实际加入的服务 id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}

		c, err := connect(cmd.Context(), ids...)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
		defer cancel()

		joined, err := c.session.Join(ctx, ids...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatIDs(joined))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <service-id> <payload>",
	Short: "加入服务并发送一条数据",
	Long: `加入服务并发送一条数据。

示例:
  xmuxctl --addr 127.0.0.1:9527 send 1 hello --wait`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:1])
		if err != nil {
			return err
		}
		id := ids[0]

		c, err := connect(cmd.Context(), id)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
		defer cancel()

		joined, err := c.session.Join(ctx, id)
		if err != nil {
			return err
		}
		if len(joined) == 0 {
			return fmt.Errorf("service %d is not hosted by the server", id)
		}

		// 先订阅再发送，避免错过回复。
		replies := c.session.Subscribe(id)
		if err = c.session.Send(id, []byte(args[1])); err != nil {
			return err
		}
		if !sendWait {
			return nil
		}

		timer := time.NewTimer(flags.timeout)
		defer timer.Stop()
		for i := 0; i < sendCount; i++ {
			select {
			case payload, ok := <-replies:
				if !ok {
					return errors.New("session closed before reply")
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			case <-timer.C:
				return fmt.Errorf("timed out waiting for reply %d/%d", i+1, sendCount)
			}
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "等待并输出回复")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "等待的回复条数")
}

func parseIDs(args []string) ([]int32, error) {
	ids := make([]int32, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid service id %q: %w", arg, err)
		}
		ids = append(ids, int32(id))
	}
	return ids, nil
}

func formatIDs(ids []int32) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(int64(id), 10))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
