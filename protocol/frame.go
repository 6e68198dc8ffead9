package protocol

import (
	"errors"
	"fmt"
)

// MaxPayloadSize 是单个 Data 报文允许的最大负载 ( 留出帧头余量，低于 gRPC 默认 4MiB 接收上限 )。
const MaxPayloadSize = 4<<20 - 4<<10

var (
	ErrNotTransmittable = errors.New("packet is not transmittable")
	ErrNilFrame         = errors.New("frame is nil")
)

// Frame 是报文的线上表示，所有类型共用同一结构，按 Kind 解释字段。
type Frame struct {
	Kind       Kind    `json:"kind"`
	ServiceID  int32   `json:"service_id,omitempty"`
	ServiceIDs []int32 `json:"service_ids,omitempty"`
	Payload    []byte  `json:"payload,omitempty"`
}

// Encode 将报文展开为 Frame。
func Encode(p Packet) (*Frame, error) {
	switch pkt := p.(type) {
	case *ListingRequest:
		if pkt == nil {
			break
		}
		return &Frame{Kind: KindListingRequest}, nil
	case *Listing:
		if pkt == nil {
			break
		}
		return &Frame{Kind: KindListing, ServiceIDs: pkt.ServiceIDs}, nil
	case *Join:
		if pkt == nil {
			break
		}
		return &Frame{Kind: KindJoin, ServiceIDs: pkt.ServiceIDs}, nil
	case *JoinResponse:
		if pkt == nil {
			break
		}
		return &Frame{Kind: KindJoinResponse, ServiceIDs: pkt.Joined}, nil
	case *Data:
		if pkt == nil {
			break
		}
		if len(pkt.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("[protocol] %w: payload of %d bytes exceeds %d", ErrNotTransmittable, len(pkt.Payload), MaxPayloadSize)
		}
		return &Frame{Kind: KindData, ServiceID: pkt.ServiceID, Payload: pkt.Payload}, nil
	}
	return nil, fmt.Errorf("[protocol] %w: %T", ErrNotTransmittable, p)
}

// Decode 将 Frame 还原为报文。
// 未知类型解析为 *Unknown 而不是错误，由上层决定忽略。
func Decode(f *Frame) (Packet, error) {
	if f == nil {
		return nil, fmt.Errorf("[protocol] %w", ErrNilFrame)
	}

	switch f.Kind {
	case KindListingRequest:
		return &ListingRequest{}, nil
	case KindListing:
		return &Listing{ServiceIDs: f.ServiceIDs}, nil
	case KindJoin:
		return &Join{ServiceIDs: f.ServiceIDs}, nil
	case KindJoinResponse:
		return &JoinResponse{Joined: f.ServiceIDs}, nil
	case KindData:
		return &Data{ServiceID: f.ServiceID, Payload: f.Payload}, nil
	default:
		return &Unknown{Raw: f.Kind}, nil
	}
}
