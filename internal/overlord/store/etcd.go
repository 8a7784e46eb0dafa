package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/resilience"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdConfig configures the etcd-backed Store.
type EtcdConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	SessionTTL     time.Duration // lease TTL for ephemeral nodes
	RequestTimeout time.Duration
}

// EtcdStore is the production Store implementation, backed by
// go.etcd.io/etcd/client/v3. Ephemeral nodes are puts under a leased key;
// the lease is kept alive for the client's lifetime and revoked on Close,
// which atomically removes every ephemeral node this process created.
type EtcdStore struct {
	cli    *clientv3.Client
	logger logger.Logger
	cb     *resilience.CircuitBreaker
	cfg    EtcdConfig

	mu          sync.Mutex
	leaseID     clientv3.LeaseID
	leaseKeepAlive <-chan *clientv3.LeaseKeepAliveResponse
	reconnected chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewEtcdStore dials etcd and grants a session lease for ephemeral nodes.
func NewEtcdStore(ctx context.Context, cfg EtcdConfig, log logger.Logger) (*EtcdStore, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 20 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial etcd: %w", err)
	}

	s := &EtcdStore{
		cli:         cli,
		logger:      log,
		cb:          resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("overlord-store")),
		cfg:         cfg,
		reconnected: make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}

	if err := s.grantSession(ctx); err != nil {
		cli.Close()
		return nil, err
	}

	go s.keepAliveLoop()

	return s, nil
}

func (s *EtcdStore) grantSession(ctx context.Context) error {
	lease, err := s.cli.Grant(ctx, int64(s.cfg.SessionTTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant session lease: %w", err)
	}
	keepAlive, err := s.cli.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("failed to start lease keepalive: %w", err)
	}

	s.mu.Lock()
	s.leaseID = lease.ID
	s.leaseKeepAlive = keepAlive
	s.mu.Unlock()
	return nil
}

// keepAliveLoop drains the keepalive channel and detects session loss: when
// the channel closes, the lease (and with it every ephemeral node) is gone
// from etcd's point of view. It regrants a fresh lease and fires
// Reconnected so C2/C3 re-enumerate their watched children.
func (s *EtcdStore) keepAliveLoop() {
	for {
		s.mu.Lock()
		ch := s.leaseKeepAlive
		s.mu.Unlock()

		for range ch {
			// draining keepalive acks; nothing to do on success
		}

		select {
		case <-s.closeCh:
			return
		default:
		}

		s.logger.Warn("etcd session lease lost, regranting")
		for {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			err := s.grantSession(ctx)
			cancel()
			if err == nil {
				break
			}
			s.logger.Error("failed to regrant etcd session, retrying", "error", err)
			select {
			case <-s.closeCh:
				return
			case <-time.After(time.Second):
			}
		}

		select {
		case s.reconnected <- struct{}{}:
		default:
		}
	}
}

func (s *EtcdStore) Reconnected() <-chan struct{} {
	return s.reconnected
}

func (s *EtcdStore) Create(ctx context.Context, path string, ephemeral bool, data []byte) error {
	return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		_, err := s.cb.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			var opts []clientv3.OpOption
			if ephemeral {
				s.mu.Lock()
				lease := s.leaseID
				s.mu.Unlock()
				opts = append(opts, clientv3.WithLease(lease))
			}
			_, err := s.cli.Put(ctx, path, string(data), opts...)
			return nil, err
		})
		return err
	})
}

func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		_, err := s.cb.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			_, err := s.cli.Delete(ctx, path)
			return nil, err
		})
		return err
	})
}

func (s *EtcdStore) Exists(ctx context.Context, path string) (bool, []byte, error) {
	var data []byte
	var found bool
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		resp, err := s.cb.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			return s.cli.Get(ctx, path)
		})
		if err != nil {
			return err
		}
		getResp := resp.(*clientv3.GetResponse)
		if len(getResp.Kvs) == 0 {
			found = false
			return nil
		}
		found = true
		data = getResp.Kvs[0].Value
		return nil
	})
	return found, data, err
}

func (s *EtcdStore) Children(ctx context.Context, path string) ([]string, error) {
	prefix := path + "/"
	var children []string
	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		resp, err := s.cb.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			return s.cli.Get(ctx, prefix, clientv3.WithPrefix())
		})
		if err != nil {
			return err
		}
		getResp := resp.(*clientv3.GetResponse)
		children = children[:0]
		for _, kv := range getResp.Kvs {
			key := string(kv.Key)
			if strings.Contains(key[len(prefix):], "/") {
				continue
			}
			children = append(children, key)
		}
		return nil
	})
	return children, err
}

func (s *EtcdStore) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	prefix := path + "/"
	out := make(chan ChildEvent, 64)
	watchCh := s.cli.Watch(ctx, prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range watchCh {
			if resp.Err() != nil {
				s.logger.Error("etcd children watch error", "path", path, "error", resp.Err())
				continue
			}
			for _, ev := range resp.Events {
				var evt ChildEvent
				evt.Path = string(ev.Kv.Key)
				if strings.Contains(evt.Path[len(prefix):], "/") {
					continue
				}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					evt.Type = ChildRemoved
				case ev.IsCreate():
					evt.Type = ChildAdded
					evt.Data = ev.Kv.Value
				default:
					evt.Type = ChildUpdated
					evt.Data = ev.Kv.Value
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *EtcdStore) WatchNodeData(ctx context.Context, path string) (<-chan DataEvent, error) {
	out := make(chan DataEvent, 16)
	watchCh := s.cli.Watch(ctx, path)

	go func() {
		defer close(out)
		for resp := range watchCh {
			if resp.Err() != nil {
				s.logger.Error("etcd node watch error", "path", path, "error", resp.Err())
				continue
			}
			for _, ev := range resp.Events {
				evt := DataEvent{Path: path}
				if ev.Type != clientv3.EventTypeDelete {
					evt.Data = ev.Kv.Value
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *EtcdStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		s.mu.Lock()
		lease := s.leaseID
		s.mu.Unlock()
		if lease != 0 {
			_, _ = s.cli.Revoke(ctx, lease)
		}
		err = s.cli.Close()
	})
	return err
}
