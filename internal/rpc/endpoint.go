package rpc

import "sync"

// EndpointPool 按顺序轮换的节点池，第一个为主节点
type EndpointPool struct {
	mu        sync.RWMutex
	endpoints []string
	current   int
}

// NewEndpointPool 创建节点池
func NewEndpointPool(endpoints []string) *EndpointPool {
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	return &EndpointPool{endpoints: eps}
}

// Current 当前使用的节点
func (p *EndpointPool) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.endpoints) == 0 {
		return ""
	}
	return p.endpoints[p.current]
}

// RotateFrom 当前节点仍是 failed 时切换到下一个节点；已被其他请求切换走时不动，返回 false
func (p *EndpointPool) RotateFrom(failed string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return "", false
	}
	if p.endpoints[p.current] != failed {
		return p.endpoints[p.current], false
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return p.endpoints[p.current], true
}

// Use 切换到指定节点，节点不在池中时返回 false
func (p *EndpointPool) Use(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ep := range p.endpoints {
		if ep == endpoint {
			p.current = i
			return true
		}
	}
	return false
}

// Endpoints 所有节点
func (p *EndpointPool) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	eps := make([]string, len(p.endpoints))
	copy(eps, p.endpoints)
	return eps
}
