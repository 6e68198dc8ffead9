// Package protocol 定义多路复用层在物理连接上交换的报文。
package protocol

import "strconv"

// Kind 是报文类型标签。
type Kind uint8

const (
	KindUnknown Kind = iota
	KindListingRequest
	KindListing
	KindJoin
	KindJoinResponse
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindListingRequest:
		return "listing_request"
	case KindListing:
		return "listing"
	case KindJoin:
		return "join"
	case KindJoinResponse:
		return "join_response"
	case KindData:
		return "data"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Packet 是所有报文的公共接口。
type Packet interface {
	Kind() Kind
}

var (
	_ Packet = (*ListingRequest)(nil)
	_ Packet = (*Listing)(nil)
	_ Packet = (*Join)(nil)
	_ Packet = (*JoinResponse)(nil)
	_ Packet = (*Data)(nil)
	_ Packet = (*Unknown)(nil)
)

// ListingRequest 请求服务端返回当前已注册的服务 id。
type ListingRequest struct{}

func (*ListingRequest) Kind() Kind { return KindListingRequest }

// Listing 是 ListingRequest 的应答。
type Listing struct {
	ServiceIDs []int32
}

func (*Listing) Kind() Kind { return KindListing }

// Join 请求加入一组服务，id 可以重复。
type Join struct {
	ServiceIDs []int32
}

func (*Join) Kind() Kind { return KindJoin }

// JoinResponse 是 Join 的应答，Joined 已去重。
type JoinResponse struct {
	Joined []int32
}

func (*JoinResponse) Kind() Kind { return KindJoinResponse }

// Data 在共享连接上承载某个服务的数据，Payload 对本层不透明。
type Data struct {
	ServiceID int32
	Payload   []byte
}

func (*Data) Kind() Kind { return KindData }

// Unknown 表示无法识别的报文类型。
// 只会由 Decode 产生，不能被发送。
type Unknown struct {
	Raw Kind
}

func (*Unknown) Kind() Kind { return KindUnknown }
