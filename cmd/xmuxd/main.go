// xmuxd 在一个监听地址上承载多个逻辑服务。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "xmuxd",
	Short:         "多路复用服务端",
	Long:          "xmuxd 在一个监听地址上承载多个逻辑服务，可选地把实例注册到 etcd 并暴露 Prometheus 指标。",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径 ( 为空时使用默认配置 )")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xmuxd: %v\n", err)
		os.Exit(1)
	}
}
