package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamrelay/streamrelay/internal/entity"
	"github.com/streamrelay/streamrelay/internal/observability"
)

// maxRemoteBodyBytes caps a peer response body read. Peer payloads are tiny;
// anything larger is a misbehaving peer.
const maxRemoteBodyBytes = 1 << 20

// Aggregator sums one usage counter across every server an owner has,
// wherever those servers are homed. Servers in the local region read
// straight from the ledger; remote servers are fetched over HTTP from the
// peer region that owns them. Remote failures contribute zero — quota
// enforcement degrades open rather than blocking tenants on a partition.
type Aggregator struct {
	store   *entity.Store
	ledger  *Ledger
	region  string
	logger  *slog.Logger
	metrics *observability.Metrics
	client  *http.Client

	mu    sync.RWMutex
	peers map[string]string
}

// NewAggregator creates an aggregator for the given local region. peers maps
// sibling region names to their base URLs; timeout bounds each peer read.
func NewAggregator(store *entity.Store, ledger *Ledger, region string, peers map[string]string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		ledger:  ledger,
		region:  region,
		peers:   peers,
		logger:  logger,
		metrics: metrics,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetPeers replaces the peer map. Called on config reload.
func (a *Aggregator) SetPeers(peers map[string]string) {
	a.mu.Lock()
	a.peers = peers
	a.mu.Unlock()
}

func (a *Aggregator) peerBase(region string) (string, bool) {
	a.mu.RLock()
	base, ok := a.peers[region]
	a.mu.RUnlock()
	return base, ok
}

// Total sums the named counter over all of the owner's servers. Individual
// server failures (unknown server, unreachable peer) contribute zero.
func (a *Aggregator) Total(ctx context.Context, owner *entity.User, field string) int64 {
	var total atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for _, serverID := range owner.Servers {
		g.Go(func() error {
			total.Add(a.serverUsage(ctx, serverID, field))
			return nil
		})
	}
	_ = g.Wait()

	return total.Load()
}

func (a *Aggregator) serverUsage(ctx context.Context, serverID, field string) int64 {
	srv, err := a.store.Server(ctx, serverID)
	if err != nil {
		a.logger.Warn("aggregation skipping server", "server", serverID, "error", err)
		return 0
	}

	if srv.Region == a.region {
		u, err := a.ledger.Read(ctx, serverID)
		if err != nil {
			a.logger.Warn("aggregation local read failed", "server", serverID, "error", err)
			return 0
		}
		return u.Field(field)
	}

	u, err := a.remoteUsage(ctx, srv)
	if err != nil {
		a.metrics.IncFederationErrors()
		a.logger.Warn("aggregation peer read failed", "server", serverID, "region", srv.Region, "error", err)
		return 0
	}
	return u.Field(field)
}

// remoteUsage fetches a server's counters from the region that homes it,
// authenticating with the server's own password.
func (a *Aggregator) remoteUsage(ctx context.Context, srv *entity.Server) (Usage, error) {
	base, ok := a.peerBase(srv.Region)
	if !ok {
		return Usage{}, fmt.Errorf("no peer configured for region %q", srv.Region)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/get-server/"+srv.ID, nil)
	if err != nil {
		return Usage{}, err
	}
	req.Header.Set("Authorization", srv.Password)

	resp, err := a.client.Do(req)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("peer %s returned %d for server %s", srv.Region, resp.StatusCode, srv.ID)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBodyBytes))
	if err != nil {
		return Usage{}, err
	}
	return decodeUsagePayload(body)
}

// decodeUsagePayload accepts both peer response shapes: a bare Usage object
// and an envelope with a "usage" member. Older deployments respond with the
// envelope.
func decodeUsagePayload(body []byte) (Usage, error) {
	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Usage != nil {
		return *envelope.Usage, nil
	}

	var u Usage
	if err := json.Unmarshal(body, &u); err != nil {
		return Usage{}, fmt.Errorf("decoding peer usage payload: %w", err)
	}
	return u, nil
}
