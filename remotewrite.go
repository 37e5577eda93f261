package loopmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// RemoteWriteSink pushes snapshots to a Prometheus remote-write endpoint
type RemoteWriteSink struct {
	config      RemoteWriteConfig
	serviceName string
	logger      *zap.Logger

	mutex  sync.Mutex
	client *promwrite.Client

	targetHost  string
	resolvedIPs []string
	dialIPs     atomic.Pointer[[]string]
	lastResolve time.Time
	dnsCfg      dnsConfig
	dnsCache    map[string]dnsCacheEntry
}

const (
	remoteWriteTimeout     = 30 * time.Second
	remoteWriteDialTimeout = 10 * time.Second
)

type dnsConfig struct {
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// NewRemoteWriteSink creates a remote-write sink
func NewRemoteWriteSink(config RemoteWriteConfig, serviceName string, logger *zap.Logger) (*RemoteWriteSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: remote write url cannot be empty", ErrInvalidConfig)
	}
	if serviceName == "" {
		return nil, fmt.Errorf("%w: service name cannot be empty", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.InstanceIP == "" {
		ip, err := GetOutboundIPv4()
		if err != nil {
			logger.Warn("Failed to get outbound IPv4, using loopback", zap.Error(err))
			ip = "127.0.0.1"
		}
		config.InstanceIP = ip
	}

	var host string
	if u, err := url.Parse(config.URL); err == nil {
		host = u.Hostname()
	}

	s := &RemoteWriteSink{
		config:      config,
		serviceName: serviceName,
		logger:      logger,
		targetHost:  host,
		dnsCfg: dnsConfig{
			enabled:         config.DNSEnable,
			cacheTTL:        pickDuration(config.DNSCacheTTL, 10*time.Minute),
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      append([]string(nil), config.DNSUDPServers...),
			tlsServers:      append([]string(nil), config.DNSTLSServers...),
			dohEndpoints:    append([]string(nil), config.DNSDoHEndpoints...),
		},
		dnsCache: make(map[string]dnsCacheEntry),
	}
	s.client = s.newClient()
	return s, nil
}

// Publish implements Sink
func (s *RemoteWriteSink) Publish(ctx context.Context, snapshot Snapshot) error {
	tsList := s.convertToTimeSeries(snapshot)
	if len(tsList) == 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Periodic re-resolve of the target when a custom resolver is configured
	if s.dnsCfg.enabled && net.ParseIP(s.targetHost) == nil {
		s.refreshDNS(ctx, false)
	}

	req := &promwrite.WriteRequest{
		TimeSeries: tsList,
	}

	_, err := s.client.Write(ctx, req)
	if err != nil {
		// On DNS-related failures, try a forced DNS refresh once
		if s.refreshDNS(ctx, true) {
			_, retryErr := s.client.Write(ctx, req)
			if retryErr == nil {
				return nil
			}
			return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}

	return nil
}

// RefreshDNS re-resolves the target host now, or only when the refresh
// interval has elapsed if force is false. It reports whether the client was
// rebuilt.
func (s *RemoteWriteSink) RefreshDNS(force bool) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.refreshDNS(context.Background(), force)
}

func (s *RemoteWriteSink) refreshDNS(ctx context.Context, force bool) bool {
	if s.targetHost == "" {
		return false
	}
	now := time.Now()
	if !force && now.Sub(s.lastResolve) < s.dnsCfg.refreshInterval {
		return false
	}
	s.lastResolve = now

	ips, cached := s.cachedIPs(now, force)
	if !cached {
		var err error
		if ips, err = s.lookupTarget(ctx); err != nil || len(ips) == 0 {
			s.logger.Warn("DNS lookup failed", zap.String("host", s.targetHost), zap.Error(err))
			return false
		}
		if s.dnsCfg.enabled {
			s.dnsCache[s.targetHost] = dnsCacheEntry{ips: ips, ttl: now.Add(s.dnsCfg.cacheTTL)}
		}
	}

	// forced lookups always rebuild the client
	if slices.Equal(ips, s.resolvedIPs) && (cached || !force) {
		return false
	}
	s.resolvedIPs = ips
	s.dialIPs.Store(&ips)
	s.client = s.newClient()
	s.logger.Info("Rebuilt remote write client",
		zap.String("host", s.targetHost), zap.Strings("ips", ips), zap.Bool("cached", cached))
	return true
}

func (s *RemoteWriteSink) cachedIPs(now time.Time, force bool) ([]string, bool) {
	if force {
		return nil, false
	}
	entry, ok := s.dnsCache[s.targetHost]
	if !ok || !now.Before(entry.ttl) {
		return nil, false
	}
	return entry.ips, true
}

func (s *RemoteWriteSink) lookupTarget(ctx context.Context) ([]string, error) {
	var (
		ips []string
		err error
	)
	if s.dnsCfg.enabled {
		ips, err = s.resolveFastest(ctx, s.targetHost)
	} else {
		ips, err = systemLookup(ctx, s.targetHost)
	}
	sort.Strings(ips)
	return ips, err
}

// newClient builds a promwrite client whose connections to the target host
// go to the last resolved addresses. Each client has its own transport, so
// rebuilding it drops connections to stale addresses.
func (s *RemoteWriteSink) newClient() *promwrite.Client {
	dialer := &net.Dialer{Timeout: remoteWriteDialTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		ips := s.dialIPs.Load()
		if err != nil || host != s.targetHost || ips == nil {
			return dialer.DialContext(ctx, network, addr)
		}
		var firstErr error
		for _, ip := range *ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if firstErr == nil {
			return dialer.DialContext(ctx, network, addr)
		}
		return nil, firstErr
	}
	return promwrite.NewClient(s.config.URL, promwrite.HttpClient(&http.Client{
		Timeout:   remoteWriteTimeout,
		Transport: transport,
	}))
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	ips := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		ips = append(ips, ip.String())
	}
	return ips, err
}

// resolveFastest asks every configured resolver and the system resolver at
// once and returns the first non-empty answer.
func (s *RemoteWriteSink) resolveFastest(parent context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(parent, s.dnsCfg.timeout)
	defer cancel()

	lookups := []func() ([]string, error){
		func() ([]string, error) { return systemLookup(ctx, host) },
	}
	for _, srv := range s.dnsCfg.udpServers {
		lookups = append(lookups, func() ([]string, error) { return exchangeDNS(ctx, host, srv, "udp") })
	}
	for _, srv := range s.dnsCfg.tlsServers {
		lookups = append(lookups, func() ([]string, error) { return exchangeDNS(ctx, host, srv, "tcp-tls") })
	}
	for _, ep := range s.dnsCfg.dohEndpoints {
		lookups = append(lookups, func() ([]string, error) { return resolveDoH(ctx, host, ep) })
	}

	type answer struct {
		ips []string
		err error
	}
	answers := make(chan answer, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup()
			answers <- answer{ips, err}
		}()
	}

	var errs []error
	for range lookups {
		select {
		case a := <-answers:
			if a.err == nil && len(a.ips) > 0 {
				return a.ips, nil
			}
			if a.err != nil {
				errs = append(errs, a.err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("no dns answer for %s", host)
	}
	return nil, errors.Join(errs...)
}

func exchangeDNS(ctx context.Context, host, server, network string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	r, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil || r == nil || r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns failed: %v", network, err)
	}
	return answerIPs(r), nil
}

func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var r dns.Msg
	if err := r.Unpack(body); err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh rcode: %d", r.Rcode)
	}
	return answerIPs(&r), nil
}

func answerIPs(r *dns.Msg) []string {
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

// convertToTimeSeries flattens a snapshot into promwrite time series
func (s *RemoteWriteSink) convertToTimeSeries(snapshot Snapshot) []promwrite.TimeSeries {
	ts := snapshot.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	samples := make(map[string]float64, 5+len(snapshot.Counters)+2*len(snapshot.AvgGauges))
	samples["process_rss_bytes"] = float64(snapshot.Process.MemInfo.RSSBytes)
	samples["process_vsz_bytes"] = float64(snapshot.Process.MemInfo.VSZBytes)
	samples["process_cpu_user_seconds"] = snapshot.Process.CPU.UserTime
	samples["process_cpu_system_seconds"] = snapshot.Process.CPU.SystemTime
	samples["process_open_fds"] = float64(snapshot.Process.NumFDs)
	for name, v := range snapshot.Counters {
		samples[name] = float64(v)
	}
	for name, v := range snapshot.AvgGauges {
		samples[name+"_avg"] = v
	}
	for name, v := range snapshot.MaxGauges {
		samples[name+"_max"] = v
	}

	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)

	prefix := fmt.Sprintf("%s_%s", s.config.Namespace, s.config.Subsystem)
	result := make([]promwrite.TimeSeries, 0, len(names))

	for _, name := range names {
		labels := make([]promwrite.Label, 0, 4+len(s.config.CustomLabels))
		labels = append(labels, []promwrite.Label{
			{Name: "__name__", Value: fmt.Sprintf("%s_%s", prefix, sanitizeMetricName(name))},
			{Name: "_instance_", Value: s.config.InstanceIP},
			{Name: "instance", Value: s.config.InstanceIP},
			{Name: "_target_", Value: s.serviceName},
		}...)

		for k, v := range s.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  ts,
				Value: samples[name],
			},
		})
	}

	return result
}

// GetOutboundIPv4 gets the outbound IPv4 address of the local machine
func GetOutboundIPv4() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
