package servx

import (
	"io"
	"math/rand"
	"net/url"
	"sync/atomic"

	"dqx0.com/go/servx/internal/httpclient"
	"dqx0.com/go/servx/internal/obs"
)

// LBPolicy selects how UpstreamChannel.Select picks the next host.
// Names mirror gorox's mix_backend.go balancer values
// (random/roundRobin), adapted from its config-string-driven selection
// into a typed enum since this module's upstream pool is configured
// in-process, not loaded from a stage config file.
type LBPolicy int

const (
	// Random mirrors coro_io::load_blance_algorithm::random, the
	// cinatra proxy's default.
	Random LBPolicy = iota
	RoundRobin
	WeightedRoundRobin
)

// UpstreamChannel is a pool of upstream hosts reached through one
// load-balancing policy, the Go analogue of cinatra's
// coro_io::channel<coro_http_client> built in set_http_proxy_handler.
type UpstreamChannel struct {
	hosts    []*url.URL
	expanded []*url.URL // weighted-round-robin expansion, one slot per weight unit
	policy   LBPolicy
	cursor   atomic.Int64
	client   *httpclient.Client
}

// newUpstreamChannel builds a channel over hosts (absolute URLs) with
// optional per-host weights (same length as hosts, or nil/empty for
// equal weight), matching martin-alem-jinx's UpStreamServer.Weight
// shape generalized from a single struct field into a parallel slice.
func newUpstreamChannel(hosts []string, policy LBPolicy, weights []int) (*UpstreamChannel, error) {
	if len(hosts) == 0 {
		return nil, ErrNoUpstreamHosts
	}
	ch := &UpstreamChannel{policy: policy, client: httpclient.NewClient()}
	for _, h := range hosts {
		u, err := url.Parse(h)
		if err != nil {
			return nil, err
		}
		ch.hosts = append(ch.hosts, u)
	}
	if policy == WeightedRoundRobin {
		for i, u := range ch.hosts {
			w := 1
			if i < len(weights) && weights[i] > 0 {
				w = weights[i]
			}
			for j := 0; j < w; j++ {
				ch.expanded = append(ch.expanded, u)
			}
		}
	}
	return ch, nil
}

// Select returns the next upstream host per the channel's policy.
func (c *UpstreamChannel) Select() *url.URL {
	switch c.policy {
	case RoundRobin:
		return c.nextByRoundRobin()
	case WeightedRoundRobin:
		return c.nextByWeightedRoundRobin()
	default:
		return c.nextByRandom()
	}
}

func (c *UpstreamChannel) nextByRoundRobin() *url.URL {
	n := int64(len(c.hosts))
	idx := c.cursor.Add(1) % n
	return c.hosts[idx]
}

func (c *UpstreamChannel) nextByWeightedRoundRobin() *url.URL {
	n := int64(len(c.expanded))
	idx := c.cursor.Add(1) % n
	return c.expanded[idx]
}

func (c *UpstreamChannel) nextByRandom() *url.URL {
	return c.hosts[rand.Intn(len(c.hosts))]
}

// proxyDispatcher forwards one route to an UpstreamChannel. Unlike
// coro_http_server.hpp's reply(), which builds an empty header map and
// copies it into itself, dispatch copies every inbound header except
// the hop-by-hop set onto the outbound request.
type proxyDispatcher struct {
	srv     *Server
	channel *UpstreamChannel
}

func (p *proxyDispatcher) dispatch(w ResponseWriter, r *Request) {
	host := p.channel.Select()
	path := r.RequestURI
	if r.URL != nil {
		path = r.URL.Path
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}
	}

	outHeader := make(map[string][]string, len(r.Header))
	for k, vv := range r.Header {
		if httpclient.IsHopByHop(k) {
			continue
		}
		outHeader[k] = append([]string(nil), vv...)
	}
	if tr, ok := TraceFrom(r.Context()); ok {
		outHeader["Traceparent"] = []string{formatTraceparent(tr.TraceID, genSpanID(), tr.Flags)}
	} else if r.TraceID != "" {
		outHeader["Traceparent"] = []string{formatTraceparent(r.TraceID, genSpanID(), "01")}
	}

	resp, err := p.channel.client.Do(r.Context(), host, r.Method, path, outHeader, r.Body, r.ContentLength)
	if err != nil {
		p.srv.logger().Logf(obs.Warn, "proxy dispatch to %s failed: %v", host, err)
		w.WriteHeader(502)
		_, _ = w.Write([]byte("bad gateway"))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if httpclient.IsHopByHop(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
