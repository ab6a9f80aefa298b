// Package stack wires the network, sales and their supporting services over
// an in-memory database for tests of the packages built on top of them.
package stack

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	auditrepo "github.com/smallbiznis/uplink/internal/audit/repository"
	auditservice "github.com/smallbiznis/uplink/internal/audit/service"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/lock"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	networkrepo "github.com/smallbiznis/uplink/internal/network/repository"
	networkservice "github.com/smallbiznis/uplink/internal/network/service"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/uplink/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/uplink/internal/outbox/service"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	policyrepo "github.com/smallbiznis/uplink/internal/policy/repository"
	policyservice "github.com/smallbiznis/uplink/internal/policy/service"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	salerepo "github.com/smallbiznis/uplink/internal/sale/repository"
	saleservice "github.com/smallbiznis/uplink/internal/sale/service"
	"github.com/smallbiznis/uplink/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type Stack struct {
	DB      *gorm.DB
	Log     *zap.Logger
	Node    *snowflake.Node
	Clock   *clock.FakeClock
	Cfg     config.Config
	Locker  lock.Locker
	Policy  policydomain.Service
	Audit   auditdomain.Service
	Outbox  outboxdomain.Service
	Network networkdomain.Service
	Sales   saledomain.Service
}

// New builds the stack. cfg may carry recompute tuning and a policy file.
func New(t testing.TB, cfg config.Config) *Stack {
	t.Helper()
	s := &Stack{
		DB:     testutil.OpenDB(t),
		Log:    zaptest.NewLogger(t),
		Node:   testutil.NewNode(t),
		Clock:  clock.NewFakeClock(Epoch),
		Cfg:    cfg,
		Locker: lock.NewLocalLocker(2 * time.Second),
	}

	policySvc, err := policyservice.New(policyservice.Params{
		DB: s.DB, Log: s.Log, Cfg: cfg, GenID: s.Node, Clock: s.Clock, Repo: policyrepo.Provide(),
	})
	require.NoError(t, err)
	s.Policy = policySvc
	s.Audit = auditservice.NewService(auditservice.Params{
		DB: s.DB, Log: s.Log, Clock: s.Clock, Repo: auditrepo.Provide(),
	})
	s.Outbox = outboxservice.New(outboxservice.Params{
		DB: s.DB, Log: s.Log, Cfg: cfg, GenID: s.Node, Clock: s.Clock, Repo: outboxrepo.Provide(),
	})
	s.Network = networkservice.New(networkservice.Params{
		DB: s.DB, Log: s.Log, GenID: s.Node, Clock: s.Clock, Repo: networkrepo.Provide(),
		Locker: s.Locker, Audit: s.Audit, Outbox: s.Outbox, Policy: s.Policy,
	})
	s.Sales = saleservice.New(saleservice.Params{
		DB: s.DB, Log: s.Log, GenID: s.Node, Clock: s.Clock, Repo: salerepo.Provide(),
		Network: s.Network, Locker: s.Locker, Audit: s.Audit, Outbox: s.Outbox,
	})
	return s
}

// PublishPolicy stores doc as a policy version.
func (s *Stack) PublishPolicy(t testing.TB, doc policydomain.Document) *policydomain.Policy {
	t.Helper()
	p, err := s.Policy.Publish(context.Background(), doc)
	require.NoError(t, err)
	return p
}

func (s *Stack) Root(t testing.TB, code string) *networkdomain.Distributor {
	t.Helper()
	res, err := s.Network.CreateRoot(context.Background(), networkdomain.CreateRootRequest{Code: code, Name: code})
	require.NoError(t, err)
	return res.Distributor
}

func (s *Stack) Enroll(t testing.TB, code string, parent snowflake.ID) *networkdomain.Distributor {
	t.Helper()
	res, err := s.Network.Enroll(context.Background(), networkdomain.EnrollRequest{Code: code, Name: code, ParentID: parent})
	require.NoError(t, err)
	return res.Distributor
}

// CompleteSale records a completed sale occurring now.
func (s *Stack) CompleteSale(t testing.TB, externalID string, owner snowflake.ID, amount int64) *saledomain.Sale {
	t.Helper()
	res, err := s.Sales.HandleEvent(context.Background(), saledomain.Event{
		ExternalID:    externalID,
		Type:          saledomain.EventCompleted,
		DistributorID: owner,
		Amount:        amount,
		Currency:      "USD",
		OccurredAt:    s.Clock.Now(),
	})
	require.NoError(t, err)
	return res.Sale
}

func (s *Stack) ReverseSale(t testing.TB, externalID string) *saledomain.Sale {
	t.Helper()
	res, err := s.Sales.HandleEvent(context.Background(), saledomain.Event{
		ExternalID: externalID,
		Type:       saledomain.EventReversed,
		OccurredAt: s.Clock.Now(),
	})
	require.NoError(t, err)
	return res.Sale
}
