package grpcx

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName 是帧编码的 content-subtype，请求头为 application/grpc+xmux-json。
const CodecName = "xmux-json"

func init() {
	encoding.RegisterCodec(codec{})
}

var _ encoding.Codec = codec{}

// codec 以 JSON 编码 protocol.Frame。
// 帧结构很小，JSON 足够且便于抓包排查。
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

const (
	serviceName   = "xmux.v1.Mux"
	connectMethod = "/" + serviceName + "/Connect"
)

// connectServer 是 Connect 双向流的服务端处理接口。
type connectServer interface {
	Connect(stream grpc.ServerStream) error
}

// serviceDesc 描述唯一的双向流方法：一条流即一个物理客户端。
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connectServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "xmux/v1/mux.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectServer).Connect(stream)
}
