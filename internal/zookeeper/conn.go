package zookeeper

import (
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Conn 包装 zk.Conn
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群，并在后台记录会话事件
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	c, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, errors.Wrapf(err, "connect zookeeper %v", servers)
	}
	go func() {
		for ev := range events {
			if ev.Type == zk.EventSession {
				log.Debug().Str("state", ev.State.String()).Msg("zookeeper session event")
			}
		}
	}()
	return &Conn{Conn: c}, nil
}
