package etcd_test

import (
	"log"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/jrmarcco/xmux/register/etcd"
)

// ExampleBuilder_observabilityCallbacks 展示如何接入可选观测回调。
//
// 这里不调用 Build，因此不需要真实 etcd 连接。
func ExampleBuilder_observabilityCallbacks() {
	var etcdClient *clientv3.Client

	_ = etcd.NewBuilder(etcdClient).
		KeyPrefix("xmux-prod").
		LeaseTTL(15).
		Logger(zap.NewNop()).
		OnWatchError(func(name string, err error) {
			log.Printf("watch error endpoint=%s err=%v", name, err)
		}).
		OnWatchNotifyDrop(func(name string) {
			log.Printf("watch notify dropped endpoint=%s", name)
		}).
		OnListDecodeError(func(name, key string, err error) {
			log.Printf("skip undecodable instance endpoint=%s key=%s err=%v", name, key, err)
		})

	// Output:
}
