// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis，并管理预加载的 Lua 脚本
type Client struct {
	client  goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient 创建客户端，addrs 格式为 "host1:port1,host2:port2"。
// 多个地址时自动使用集群模式。
func NewClient(addrs, password string) (*Client, error) {
	list := strings.Split(addrs, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    list,
		Password: password,
	})
	if err := uc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrapf(err, "ping redis %s", addrs)
	}
	return NewClientFrom(uc), nil
}

// NewClientFrom 包装一个现成的 go-redis 客户端
func NewClientFrom(uc goredis.UniversalClient) *Client {
	return &Client{client: uc, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册一个命名脚本，并尝试预加载到服务端
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := goredis.NewScript(content)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return errors.Wrapf(err, "load script %s", name)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本（EVALSHA，失败时自动回退到 EVAL）
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 暴露底层客户端，用于简单命令
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
