package consul

import (
	"context"

	"github.com/goliatone/go-errors"
	consulapi "github.com/hashicorp/consul/api"
)

const ErrCodeConsulKV = "CONSUL_KV_FAILED"

// KVClient is the subset of *consulapi.KV the adapter uses.
type KVClient interface {
	Get(key string, q *consulapi.QueryOptions) (*consulapi.KVPair, *consulapi.QueryMeta, error)
	Put(p *consulapi.KVPair, q *consulapi.WriteOptions) (*consulapi.WriteMeta, error)
	Delete(key string, w *consulapi.WriteOptions) (*consulapi.WriteMeta, error)
}

// KV stores step values in Consul under a key prefix.
type KV struct {
	kv     KVClient
	prefix string
}

// NewKV wraps kv. Keys are stored as prefix/key.
func NewKV(kv KVClient, prefix string) *KV {
	return &KV{kv: kv, prefix: prefix}
}

// NewKVFromClient uses the KV endpoint of cli.
func NewKVFromClient(cli *consulapi.Client, prefix string) *KV {
	return NewKV(cli.KV(), prefix)
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	full := joinKey(k.prefix, key)
	q := (&consulapi.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	pair, _, err := k.kv.Get(full, q)
	if err != nil {
		return nil, false, kvError("get", full, err)
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

func (k *KV) Put(ctx context.Context, key string, value []byte) error {
	full := joinKey(k.prefix, key)
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := k.kv.Put(&consulapi.KVPair{Key: full, Value: value}, w); err != nil {
		return kvError("put", full, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	full := joinKey(k.prefix, key)
	w := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := k.kv.Delete(full, w); err != nil {
		return kvError("delete", full, err)
	}
	return nil
}

func kvError(op, key string, err error) error {
	return errors.Wrap(err, errors.CategoryExternal, "consul kv "+op).
		WithTextCode(ErrCodeConsulKV).
		WithMetadata(map[string]any{"key": key})
}
