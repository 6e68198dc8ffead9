package errs

import "errors"

var (
	ErrInvalidEndpointName  = errors.New("[xmux] endpoint name must not be empty and must not contain '/'")
	ErrInvalidEndpointAddr  = errors.New("[xmux] endpoint address must not be empty and must not contain '/'")
	ErrInvalidEtcdLeaseTTL  = errors.New("[xmux] etcd lease TTL must be greater than 0")
	ErrInvalidEtcdKeyPrefix = errors.New("[xmux] etcd key prefix must not be empty")
)
