package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nexus-shipping/internal/pkg/httpclient"
	"nexus-shipping/internal/pkg/nacos"
	"nexus-shipping/internal/service/shipping/domain"
	"nexus-shipping/internal/service/shipping/domain/port"
)

const shipPath = "/ship"

type shipRequestBody struct {
	TrackingID  string       `json:"tracking_id"`
	AggregateID string       `json:"aggregate_id"`
	QuoteID     string       `json:"quote_id"`
	Cost        domain.Money `json:"cost"`
}

type shipResponseBody struct {
	CarrierReference string `json:"carrier_reference"`
}

// EndpointResolver 返回承运商服务的基础地址，每次发货前调用
type EndpointResolver interface {
	Endpoint(ctx context.Context) (string, error)
}

// StaticEndpoint 是配置里写死的地址
type StaticEndpoint string

func (e StaticEndpoint) Endpoint(context.Context) (string, error) {
	return strings.TrimRight(string(e), "/"), nil
}

// NacosEndpoint 通过 Nacos 服务发现解析承运商地址
type NacosEndpoint struct {
	client  *nacos.Client
	service string
}

func NewNacosEndpoint(client *nacos.Client, service string) *NacosEndpoint {
	return &NacosEndpoint{client: client, service: service}
}

func (e *NacosEndpoint) Endpoint(context.Context) (string, error) {
	return e.client.ServiceURL(e.service)
}

// CarrierHTTPAdapter 实现了 port.Carrier 接口，通过 HTTP 调用外部承运商。
// 4xx（408、429 除外）视为不可重试，其余错误交给调用方重试。
type CarrierHTTPAdapter struct {
	client   *httpclient.Client
	resolver EndpointResolver
}

// NewCarrierHTTPAdapter 创建一个新的承运商适配器。
func NewCarrierHTTPAdapter(client *httpclient.Client, resolver EndpointResolver) *CarrierHTTPAdapter {
	return &CarrierHTTPAdapter{client: client, resolver: resolver}
}

func (a *CarrierHTTPAdapter) Ship(ctx context.Context, req port.ShipmentRequest) (port.ShipmentReceipt, error) {
	body := shipRequestBody{
		TrackingID:  req.TrackingID,
		AggregateID: req.AggregateID,
		QuoteID:     req.Quote.ID,
		Cost:        req.Quote.Cost,
	}
	// 解析失败按瞬时错误处理，实例可能稍后上线
	endpoint, err := a.resolver.Endpoint(ctx)
	if err != nil {
		return port.ShipmentReceipt{}, err
	}
	var out shipResponseBody
	if err := a.client.PostJSON(ctx, endpoint+shipPath, body, &out); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && isPermanentStatus(statusErr.StatusCode) {
			return port.ShipmentReceipt{}, fmt.Errorf("%w: %v", port.ErrPermanentCarrierFailure, err)
		}
		return port.ShipmentReceipt{}, err
	}
	ref := out.CarrierReference
	if ref == "" {
		ref = req.TrackingID
	}
	return port.ShipmentReceipt{CarrierReference: ref}, nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
