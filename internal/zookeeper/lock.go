// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

// 聚合锁都挂在这个节点下面
const lockRoot = "/shipping/locks"

var errLockNodeLost = errors.New("lock node disappeared, session may have expired")

// nodeStore 是锁用到的 zk.Conn 方法子集
type nodeStore interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// DistributedLock 基于临时顺序节点的公平锁，一个实例同一时间只持有一次
type DistributedLock struct {
	conn nodeStore
	dir  string // 例如 /shipping/locks/<aggregateID>
	node string // 持有或排队中的节点全路径
}

// NewDistributedLock 为 resourceID 准备锁目录，目录已存在不算错误
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	return newDistributedLock(conn, resourceID)
}

func newDistributedLock(conn nodeStore, resourceID string) (*DistributedLock, error) {
	dir := lockRoot + "/" + resourceID
	if err := ensurePath(conn, dir); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, dir: dir}, nil
}

func ensurePath(conn nodeStore, path string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		cur += "/" + part
		_, err := conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create lock dir %s", cur)
		}
	}
	return nil
}

// Lock 排队直到轮到自己，ctx 结束时放弃排队
func (l *DistributedLock) Lock(ctx context.Context) error {
	// protected 节点在连接闪断后重试创建也不会留下孤儿节点
	node, err := l.conn.CreateProtectedEphemeralSequential(l.dir+"/lock-", nil, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNoNode) {
		// 目录刚被上一个持有者清理掉，重建后再排队
		if err := ensurePath(l.conn, l.dir); err != nil {
			return err
		}
		node, err = l.conn.CreateProtectedEphemeralSequential(l.dir+"/lock-", nil, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return errors.Wrap(err, "create lock node")
	}
	l.node = node

	for {
		prev, err := l.predecessor()
		if err != nil {
			l.abandon()
			return err
		}
		if prev == "" {
			return nil
		}

		// 只盯前一个节点，避免羊群效应
		exists, _, watch, err := l.conn.ExistsW(l.dir + "/" + prev)
		if err != nil {
			l.abandon()
			return errors.Wrapf(err, "watch %s", prev)
		}
		if !exists {
			continue
		}
		select {
		case <-watch:
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// predecessor 返回排在自己前面的节点名，自己排第一时返回空串
func (l *DistributedLock) predecessor() (string, error) {
	children, _, err := l.conn.Children(l.dir)
	if err != nil {
		return "", errors.Wrap(err, "list lock nodes")
	}
	sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

	self := strings.TrimPrefix(l.node, l.dir+"/")
	for i, child := range children {
		if child != self {
			continue
		}
		if i == 0 {
			return "", nil
		}
		return children[i-1], nil
	}
	return "", errLockNodeLost
}

// Unlock 删除自己的节点；节点已经不在（会话过期）也视为释放成功。
// 没有人排队时顺手删掉锁目录，否则每个聚合都会留下一个永久节点。
func (l *DistributedLock) Unlock() error {
	if l.node == "" {
		return errors.New("lock not held")
	}
	if err := l.conn.Delete(l.node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrapf(err, "delete lock node %s", l.node)
	}
	l.node = ""

	err := l.conn.Delete(l.dir, -1)
	if err != nil && !errors.Is(err, zk.ErrNotEmpty) && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrapf(err, "delete lock dir %s", l.dir)
	}
	return nil
}

func (l *DistributedLock) abandon() {
	_ = l.Unlock()
}

// sequenceOf 取出节点名末尾的 10 位序号，protected 前缀不参与排序
func sequenceOf(node string) string {
	if len(node) < 10 {
		return node
	}
	return node[len(node)-10:]
}
