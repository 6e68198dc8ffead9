package etcd

import (
	"errors"
	"testing"

	"github.com/jrmarcco/xmux/internal/errs"
	"github.com/jrmarcco/xmux/register"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name    string
		si      register.ServiceInstance
		wantErr error
	}{
		{name: "valid", si: register.ServiceInstance{Name: "edge", Addr: "127.0.0.1:9000"}},
		{name: "empty name", si: register.ServiceInstance{Name: " ", Addr: "127.0.0.1:9000"}, wantErr: errs.ErrInvalidEndpointName},
		{name: "slash in name", si: register.ServiceInstance{Name: "a/b", Addr: "127.0.0.1:9000"}, wantErr: errs.ErrInvalidEndpointName},
		{name: "empty addr", si: register.ServiceInstance{Name: "edge"}, wantErr: errs.ErrInvalidEndpointAddr},
		{name: "slash in addr", si: register.ServiceInstance{Name: "edge", Addr: "unix:///tmp/x"}, wantErr: errs.ErrInvalidEndpointAddr},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := validate(tc.si)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBuilder_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewBuilder(nil).LeaseTTL(0).Build(); !errors.Is(err, errs.ErrInvalidEtcdLeaseTTL) {
		t.Fatalf("expected ErrInvalidEtcdLeaseTTL, got %v", err)
	}
	if _, err := NewBuilder(nil).KeyPrefix(" / ").Build(); !errors.Is(err, errs.ErrInvalidEtcdKeyPrefix) {
		t.Fatalf("expected ErrInvalidEtcdKeyPrefix, got %v", err)
	}
}

func TestRegistry_Keys(t *testing.T) {
	t.Parallel()

	r := &Registry{keyPrefix: "xmux"}
	si := register.ServiceInstance{Name: "edge", Addr: "10.0.0.1:9000"}

	if got := r.endpointKey("edge"); got != "/xmux/edge" {
		t.Fatalf("unexpected endpoint key %q", got)
	}
	if got := r.instanceKey(si); got != "/xmux/edge/10.0.0.1:9000" {
		t.Fatalf("unexpected instance key %q", got)
	}
}
