package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"loopline/go-backend/internal/connectivity"
	"loopline/go-backend/internal/crypto"
	"loopline/go-backend/internal/dm"
	"loopline/go-backend/internal/outbox"
	"loopline/go-backend/internal/realtime"
	"loopline/go-backend/internal/storage"
)

var _ dm.Store = (*storage.Store)(nil)

// memberProxy breaks the construction cycle between the gateway (which
// validates membership) and the message service (which defines it).
type memberProxy struct {
	svc *dm.Service
}

func (p *memberProxy) IsParticipant(threadID, userID string) bool {
	if p.svc == nil {
		return false
	}
	return p.svc.IsParticipant(threadID, userID)
}

// Build wires one user's full stack over the given bus and returns the
// daemon facade. A nil registry disables metrics.
func Build(
	userID string,
	bus realtime.Bus,
	keys crypto.KeyStore,
	store *storage.Store,
	ob *outbox.Outbox,
	conn *connectivity.Monitor,
	log *slog.Logger,
	reg *prometheus.Registry,
	gwOpts ...realtime.Option,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	cs := crypto.NewService(keys)
	proxy := &memberProxy{}
	if reg != nil {
		gwOpts = append(gwOpts, realtime.WithMetrics(realtime.NewMetrics(reg)))
	}
	gw := realtime.NewGateway(bus, log, append(gwOpts, realtime.WithMembership(proxy))...)

	var dmOutbox dm.Outbox
	if ob != nil {
		dmOutbox = ob
	}
	var dmOpts []dm.Option
	if reg != nil {
		dmOpts = append(dmOpts, dm.WithMetrics(dm.NewMetrics(reg)))
	}
	dmSvc := dm.NewService(userID, store, cs, gw, dmOutbox, log, dmOpts...)
	proxy.svc = dmSvc

	return NewService(dmSvc, cs, gw, ob, conn, NewNotificationHub(256), log)
}
