// xmuxctl 是多路复用服务端的命令行客户端。
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	addr       string
	etcd       []string
	keyPrefix  string
	endpoint   string
	balancer   string
	sessionKey string
	timeout    time.Duration
	verbose    bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "xmuxctl",
	Short: "多路复用服务端命令行客户端",
	Long: `xmuxctl 通过一条物理连接访问 xmuxd 上的逻辑服务。

连接方式:
  --addr 127.0.0.1:9527                  直连服务端
  --etcd 127.0.0.1:2379 --endpoint xmux   经 etcd 发现实例，按服务 id 选择节点`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.addr, "addr", "", "服务端地址 ( 直连 )")
	pf.StringSliceVar(&flags.etcd, "etcd", nil, "etcd 地址列表")
	pf.StringVar(&flags.keyPrefix, "key-prefix", "xmux", "etcd 注册 key 前缀")
	pf.StringVar(&flags.endpoint, "endpoint", "xmux", "注册中心中的 endpoint 名")
	pf.StringVar(&flags.balancer, "balancer", "round_robin", "节点选择策略: round_robin|weighted|consistent_hash")
	pf.StringVar(&flags.sessionKey, "session-key", "", "一致性哈希使用的会话 key")
	pf.DurationVar(&flags.timeout, "timeout", 5*time.Second, "单次请求超时")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "输出调试日志")

	rootCmd.AddCommand(listCmd, joinCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xmuxctl: %v\n", err)
		os.Exit(1)
	}
}
