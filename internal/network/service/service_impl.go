package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	auditdomain "github.com/smallbiznis/uplink/internal/audit/domain"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/lock"
	"github.com/smallbiznis/uplink/internal/network/domain"
	obsmetrics "github.com/smallbiznis/uplink/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	policydomain "github.com/smallbiznis/uplink/internal/policy/domain"
	"github.com/smallbiznis/uplink/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// maxTreeDepth bounds every unbounded walk so a corrupted tree cannot
	// recurse forever.
	maxTreeDepth        = 10000
	maxChainAttempts = 3
	rootLockKey         = "uplink:lock:root"
)

var errChainMoved = errors.New("ancestor chain changed while waiting for locks")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Locker  lock.Locker
	Audit   auditdomain.Service
	Outbox  outboxdomain.Service
	Policy  policydomain.Service
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	locker   lock.Locker
	audit    auditdomain.Service
	outbox   outboxdomain.Service
	policy   policydomain.Service
	metrics  *obsmetrics.Metrics
	validate *validator.Validate
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("network.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		locker:   p.Locker,
		audit:    p.Audit,
		outbox:   p.Outbox,
		policy:   p.Policy,
		metrics:  p.Metrics,
		validate: validator.New(),
	}
}

func (s *Service) CreateRoot(ctx context.Context, req domain.CreateRootRequest) (*domain.MutationResult, error) {
	req.Code = strings.TrimSpace(req.Code)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, "create_root", 0, rootLockKey, lock.EnrollmentKey(req.Code))
	if err != nil {
		return nil, err
	}
	defer release()

	root, err := s.repo.FindRoot(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if root != nil {
		return nil, domain.ErrRootExists
	}

	now := s.clock.Now()
	node := &domain.Distributor{
		ID:         s.genID.Generate(),
		Code:       req.Code,
		Name:       req.Name,
		Status:     domain.StatusActive,
		Rank:       s.policy.Current().LowestTier().Code,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, node); err != nil {
			return err
		}
		id, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "network.create_root",
			TargetType: "distributor",
			TargetID:   node.ID.String(),
			Metadata:   map[string]any{"code": node.Code},
		})
		auditID = id
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			if existing, _ := s.repo.FindByCode(ctx, s.db, req.Code); existing != nil && !existing.IsRoot() {
				return nil, &domain.DuplicateEnrollmentError{Code: req.Code, ParentID: *existing.ParentID}
			}
			return nil, domain.ErrRootExists
		}
		return nil, err
	}

	s.log.Info("root created", zap.String("distributor_id", node.ID.String()), zap.String("code", node.Code))
	s.metrics.RecordEnrollment(ctx)
	return &domain.MutationResult{Distributor: node, AuditID: auditID}, nil
}

func (s *Service) Enroll(ctx context.Context, req domain.EnrollRequest) (*domain.MutationResult, error) {
	req.Code = strings.TrimSpace(req.Code)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxChainAttempts; attempt++ {
		result, err := s.tryEnroll(ctx, req)
		if errors.Is(err, errChainMoved) {
			s.log.Debug("enroll chain moved; retrying",
				zap.String("parent_id", req.ParentID.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return result, err
	}
	s.metrics.RecordLockContention(ctx, "enroll")
	return nil, &domain.ConcurrentModificationError{NodeID: req.ParentID, Err: errChainMoved}
}

// tryEnroll locks the whole ancestor chain of the new parent so the edge's
// path snapshot cannot go stale before it commits.
func (s *Service) tryEnroll(ctx context.Context, req domain.EnrollRequest) (*domain.MutationResult, error) {
	parent, err := s.repo.FindByID(ctx, s.db, req.ParentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, domain.ErrParentNotFound
	}
	if err := s.rejectExisting(ctx, req, parent); err != nil {
		return nil, err
	}

	path, err := s.pathThrough(ctx, s.db, parent.ID)
	if err != nil {
		return nil, err
	}

	keys := []string{lock.EnrollmentKey(req.Code)}
	if req.ChildID != 0 {
		keys = append(keys, lock.DistributorKey(req.ChildID))
	}
	for _, id := range path {
		keys = append(keys, lock.DistributorKey(id))
	}
	release, err := s.acquire(ctx, "enroll", parent.ID, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	// The parent or one of its ancestors may have moved while we waited.
	locked, err := s.pathThrough(ctx, s.db, parent.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(locked, path) {
		return nil, errChainMoved
	}
	if err := s.rejectExisting(ctx, req, parent); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	childID := req.ChildID
	if childID == 0 {
		childID = s.genID.Generate()
	}
	parentID := parent.ID
	node := &domain.Distributor{
		ID:          childID,
		Code:        req.Code,
		Name:        req.Name,
		ParentID:    &parentID,
		EdgeVersion: 1,
		Status:      domain.StatusActive,
		Rank:        s.policy.Current().LowestTier().Code,
		EnrolledAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	edge := &domain.Edge{
		ID:        s.genID.Generate(),
		ChildID:   node.ID,
		ParentID:  parent.ID,
		Version:   1,
		Path:      path,
		ValidFrom: now,
		CreatedAt: now,
	}

	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, node); err != nil {
			return err
		}
		if err := s.repo.InsertEdge(ctx, tx, edge); err != nil {
			return err
		}
		id, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "network.enroll",
			TargetType: "distributor",
			TargetID:   node.ID.String(),
			Metadata: map[string]any{
				"code":      node.Code,
				"parent_id": parent.ID.String(),
			},
		})
		if err != nil {
			return err
		}
		auditID = id
		_, err = s.outbox.Publish(ctx, tx, outboxdomain.TopicNetworkEnrolled, parent.ID, domain.EnrolledEvent{
			ChildID:  node.ID,
			ParentID: parent.ID,
			Chain:    path,
			At:       now,
		})
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, &domain.DuplicateEnrollmentError{Code: req.Code, ParentID: parent.ID}
		}
		return nil, err
	}

	s.log.Info("distributor enrolled",
		zap.String("distributor_id", node.ID.String()),
		zap.String("parent_id", parent.ID.String()),
		zap.Int("depth", len(path)),
	)
	s.metrics.RecordEnrollment(ctx)
	return &domain.MutationResult{Distributor: node, AuditID: auditID}, nil
}

// rejectExisting fails enrollment of a node that is already in the tree.
// Enrolling it beneath itself or one of its descendants is reported as a
// cycle rather than a duplicate.
func (s *Service) rejectExisting(ctx context.Context, req domain.EnrollRequest, parent *domain.Distributor) error {
	var (
		existing *domain.Distributor
		err      error
	)
	if req.ChildID != 0 {
		existing, err = s.repo.FindByID(ctx, s.db, req.ChildID)
		if err != nil {
			return err
		}
	}
	if existing == nil {
		existing, err = s.repo.FindByCode(ctx, s.db, req.Code)
		if err != nil {
			return err
		}
	}
	if existing == nil {
		return nil
	}

	if existing.ID == parent.ID {
		return &domain.CycleError{ChildID: existing.ID, ParentID: parent.ID}
	}
	chain, err := s.ancestors(ctx, s.db, parent.ID, maxTreeDepth)
	if err != nil {
		return err
	}
	if slices.Contains(chain, existing.ID) {
		return &domain.CycleError{ChildID: existing.ID, ParentID: parent.ID}
	}
	enrolledUnder := parent.ID
	if existing.ParentID != nil {
		enrolledUnder = *existing.ParentID
	}
	return &domain.DuplicateEnrollmentError{Code: existing.Code, ParentID: enrolledUnder}
}

func (s *Service) Reparent(ctx context.Context, req domain.ReparentRequest) (*domain.ReparentResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if req.ChildID == req.NewParentID {
		return nil, &domain.CycleError{ChildID: req.ChildID, ParentID: req.NewParentID}
	}

	for attempt := 1; attempt <= maxChainAttempts; attempt++ {
		result, err := s.tryReparent(ctx, req)
		if errors.Is(err, errChainMoved) {
			s.log.Debug("reparent chain moved; retrying",
				zap.String("child_id", req.ChildID.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return result, err
	}
	s.metrics.RecordLockContention(ctx, "reparent")
	return nil, &domain.ConcurrentModificationError{NodeID: req.ChildID, Err: errChainMoved}
}

func (s *Service) tryReparent(ctx context.Context, req domain.ReparentRequest) (*domain.ReparentResult, error) {
	child, newParent, err := s.loadReparentNodes(ctx, req)
	if err != nil {
		return nil, err
	}
	if *child.ParentID == newParent.ID {
		return &domain.ReparentResult{Distributor: child, Changed: false, EdgeVersion: child.EdgeVersion}, nil
	}

	oldChain, err := s.ancestors(ctx, s.db, child.ID, maxTreeDepth)
	if err != nil {
		return nil, err
	}
	newPath, err := s.pathThrough(ctx, s.db, newParent.ID)
	if err != nil {
		return nil, err
	}
	if slices.Contains(newPath, child.ID) {
		return nil, &domain.CycleError{ChildID: child.ID, ParentID: newParent.ID}
	}

	keys := make([]string, 0, len(oldChain)+len(newPath)+1)
	keys = append(keys, lock.DistributorKey(child.ID))
	for _, id := range oldChain {
		keys = append(keys, lock.DistributorKey(id))
	}
	for _, id := range newPath {
		keys = append(keys, lock.DistributorKey(id))
	}
	release, err := s.acquire(ctx, "reparent", child.ID, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	lockedChild, lockedParent, err := s.loadReparentNodes(ctx, req)
	if err != nil {
		return nil, err
	}
	if lockedChild.EdgeVersion != child.EdgeVersion || *lockedChild.ParentID != *child.ParentID || lockedParent.ID != newParent.ID {
		return nil, errChainMoved
	}
	lockedOld, err := s.ancestors(ctx, s.db, child.ID, maxTreeDepth)
	if err != nil {
		return nil, err
	}
	lockedNew, err := s.pathThrough(ctx, s.db, newParent.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Equal(lockedOld, oldChain) || !slices.Equal(lockedNew, newPath) {
		return nil, errChainMoved
	}

	now := s.clock.Now()
	nextVersion := child.EdgeVersion + 1
	edge := &domain.Edge{
		ID:        s.genID.Generate(),
		ChildID:   child.ID,
		ParentID:  newParent.ID,
		Version:   nextVersion,
		Path:      newPath,
		ValidFrom: now,
		CreatedAt: now,
	}

	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.CloseEdge(ctx, tx, child.ID, now); err != nil {
			return err
		}
		if err := s.repo.InsertEdge(ctx, tx, edge); err != nil {
			return err
		}
		ok, err := s.repo.UpdateParent(ctx, tx, child.ID, newParent.ID, child.EdgeVersion, nextVersion, now)
		if err != nil {
			return err
		}
		if !ok {
			return errChainMoved
		}
		id, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "network.reparent",
			TargetType: "distributor",
			TargetID:   child.ID.String(),
			Metadata: map[string]any{
				"old_parent_id": child.ParentID.String(),
				"new_parent_id": newParent.ID.String(),
				"edge_version":  nextVersion,
				"reason":        req.Reason,
			},
		})
		if err != nil {
			return err
		}
		auditID = id
		_, err = s.outbox.Publish(ctx, tx, outboxdomain.TopicNetworkReparented, child.ID, domain.ReparentEvent{
			ChildID:     child.ID,
			OldParentID: *child.ParentID,
			NewParentID: newParent.ID,
			OldChain:    oldChain,
			NewChain:    newPath,
			EdgeVersion: nextVersion,
			At:          now,
		})
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errChainMoved
		}
		return nil, err
	}

	updated := *child
	parentID := newParent.ID
	updated.ParentID = &parentID
	updated.EdgeVersion = nextVersion
	updated.UpdatedAt = now

	s.log.Info("distributor reparented",
		zap.String("distributor_id", child.ID.String()),
		zap.String("old_parent_id", child.ParentID.String()),
		zap.String("new_parent_id", newParent.ID.String()),
		zap.Int("edge_version", nextVersion),
		zap.String("audit_id", auditID),
	)
	s.metrics.RecordReparent(ctx)
	return &domain.ReparentResult{
		Distributor: &updated,
		Changed:     true,
		EdgeVersion: nextVersion,
		AuditID:     auditID,
	}, nil
}

func (s *Service) loadReparentNodes(ctx context.Context, req domain.ReparentRequest) (*domain.Distributor, *domain.Distributor, error) {
	child, err := s.repo.FindByID(ctx, s.db, req.ChildID)
	if err != nil {
		return nil, nil, err
	}
	if child == nil {
		return nil, nil, domain.ErrDistributorNotFound
	}
	if child.IsRoot() {
		return nil, nil, domain.ErrRootNotMovable
	}
	parent, err := s.repo.FindByID(ctx, s.db, req.NewParentID)
	if err != nil {
		return nil, nil, err
	}
	if parent == nil {
		return nil, nil, domain.ErrParentNotFound
	}
	return child, parent, nil
}

func (s *Service) SetStatus(ctx context.Context, req domain.SetStatusRequest) (*domain.MutationResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if !req.Status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	node, err := s.repo.FindByID(ctx, s.db, req.ID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, domain.ErrDistributorNotFound
	}
	if node.Status == req.Status {
		return &domain.MutationResult{Distributor: node}, nil
	}

	now := s.clock.Now()
	var auditID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateStatus(ctx, tx, node.ID, req.Status, now); err != nil {
			return err
		}
		id, err := s.audit.Record(ctx, tx, auditdomain.Entry{
			Action:     "distributor.status",
			TargetType: "distributor",
			TargetID:   node.ID.String(),
			Metadata: map[string]any{
				"from":   string(node.Status),
				"to":     string(req.Status),
				"reason": req.Reason,
			},
		})
		auditID = id
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("distributor status changed",
		zap.String("distributor_id", node.ID.String()),
		zap.String("from", string(node.Status)),
		zap.String("to", string(req.Status)),
	)
	node.Status = req.Status
	node.UpdatedAt = now
	return &domain.MutationResult{Distributor: node, AuditID: auditID}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Distributor, error) {
	node, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, domain.ErrDistributorNotFound
	}
	return node, nil
}

func (s *Service) GetMany(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]*domain.Distributor, error) {
	rows, err := s.repo.FindByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]*domain.Distributor, len(rows))
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

func (s *Service) Ancestors(ctx context.Context, nodeID snowflake.ID, maxLevels int) ([]snowflake.ID, error) {
	if maxLevels < 0 {
		return nil, domain.ErrInvalidDepth
	}
	if maxLevels == 0 {
		maxLevels = maxTreeDepth
	}
	return s.ancestors(ctx, s.db, nodeID, maxLevels)
}

func (s *Service) AncestorsAt(ctx context.Context, nodeID snowflake.ID, at time.Time, maxLevels int) ([]snowflake.ID, error) {
	if maxLevels < 0 {
		return nil, domain.ErrInvalidDepth
	}
	if maxLevels == 0 {
		maxLevels = maxTreeDepth
	}
	node, err := s.repo.FindByID(ctx, s.db, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, domain.ErrDistributorNotFound
	}
	links, err := s.repo.ChainAt(ctx, s.db, nodeID, at.UTC(), maxLevels)
	if err != nil {
		return nil, &domain.RetryableStoreError{Op: "network.ancestors_at", Err: err}
	}
	ids := make([]snowflake.ID, 0, len(links))
	for _, link := range links {
		if link.ParentID != nil {
			ids = append(ids, *link.ParentID)
		}
	}
	return ids, nil
}

func (s *Service) DescendantCount(ctx context.Context, nodeID snowflake.ID, maxDepth int) (int, error) {
	links, err := s.Descendants(ctx, nodeID, maxDepth)
	if err != nil {
		return 0, err
	}
	return len(links), nil
}

func (s *Service) Descendants(ctx context.Context, nodeID snowflake.ID, maxDepth int) ([]domain.Link, error) {
	if maxDepth < 0 {
		return nil, domain.ErrInvalidDepth
	}
	if maxDepth == 0 {
		maxDepth = maxTreeDepth
	}
	return s.repo.Subtree(ctx, s.db, nodeID, maxDepth)
}

func (s *Service) DirectCount(ctx context.Context, nodeID snowflake.ID) (int, error) {
	return s.repo.CountChildren(ctx, s.db, nodeID)
}

// Team returns the subtree under nodeID as a nested tree. A zero maxDepth
// uses the policy team depth.
func (s *Service) Team(ctx context.Context, nodeID snowflake.ID, maxDepth int) (*domain.TeamNode, error) {
	if maxDepth < 0 {
		return nil, domain.ErrInvalidDepth
	}
	if maxDepth == 0 {
		maxDepth = s.policy.Current().TeamDepth
	}
	root, err := s.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	links, err := s.repo.Subtree(ctx, s.db, nodeID, maxDepth)
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(links))
	for _, link := range links {
		ids = append(ids, link.ID)
	}
	nodes, err := s.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	tree := teamNode(root, 0)
	index := map[snowflake.ID]*domain.TeamNode{root.ID: tree}
	for _, link := range links {
		node, ok := nodes[link.ID]
		if !ok || link.ParentID == nil {
			continue
		}
		parent, ok := index[*link.ParentID]
		if !ok {
			continue
		}
		tn := teamNode(node, link.Depth)
		parent.Children = append(parent.Children, tn)
		index[node.ID] = tn
	}
	return tree, nil
}

func teamNode(d *domain.Distributor, depth int) *domain.TeamNode {
	return &domain.TeamNode{
		ID:       d.ID,
		Code:     d.Code,
		Name:     d.Name,
		Rank:     d.Rank,
		Status:   d.Status,
		Depth:    depth,
		Children: []*domain.TeamNode{},
	}
}

func (s *Service) EdgeHistory(ctx context.Context, nodeID snowflake.ID) ([]domain.Edge, error) {
	if _, err := s.Get(ctx, nodeID); err != nil {
		return nil, err
	}
	return s.repo.ListEdges(ctx, s.db, nodeID)
}

func (s *Service) ListIDs(ctx context.Context, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListIDs(ctx, s.db, afterID, limit)
}

func (s *Service) UpdateRank(ctx context.Context, tx *gorm.DB, id snowflake.ID, from, to string) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	return s.repo.UpdateRank(ctx, tx, id, from, to, s.clock.Now())
}

// ancestors walks the current tree upward, returning ancestor IDs parent
// first. A parent link pointing at a missing row fails with
// AncestorResolutionError.
func (s *Service) ancestors(ctx context.Context, tx *gorm.DB, nodeID snowflake.ID, maxLevels int) ([]snowflake.ID, error) {
	links, err := s.repo.Chain(ctx, tx, nodeID, maxLevels)
	if err != nil {
		return nil, &domain.RetryableStoreError{Op: "network.ancestors", Err: err}
	}
	if len(links) == 0 {
		return nil, domain.ErrDistributorNotFound
	}
	last := links[len(links)-1]
	if last.ParentID != nil && last.Depth < maxLevels {
		return nil, &domain.AncestorResolutionError{NodeID: nodeID, MissingID: *last.ParentID}
	}
	ids := make([]snowflake.ID, 0, len(links)-1)
	for _, link := range links[1:] {
		ids = append(ids, link.ID)
	}
	return ids, nil
}

// pathThrough is nodeID followed by its ancestors: the path a new child of
// nodeID would carry.
func (s *Service) pathThrough(ctx context.Context, tx *gorm.DB, nodeID snowflake.ID) ([]snowflake.ID, error) {
	chain, err := s.ancestors(ctx, tx, nodeID, maxTreeDepth)
	if err != nil {
		return nil, err
	}
	return append([]snowflake.ID{nodeID}, chain...), nil
}

func (s *Service) acquire(ctx context.Context, op string, nodeID snowflake.ID, keys ...string) (lock.Release, error) {
	release, err := s.locker.Acquire(ctx, keys...)
	if err == nil {
		return release, nil
	}
	var contention *lock.ContentionError
	if errors.As(err, &contention) {
		s.metrics.RecordLockContention(ctx, op)
		s.log.Warn("lock contention",
			zap.String("operation", op),
			zap.String("node_id", nodeID.String()),
			zap.String("key", contention.Key),
		)
		return nil, &domain.ConcurrentModificationError{NodeID: nodeID, Err: err}
	}
	return nil, fmt.Errorf("acquire %s locks: %w", op, err)
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "Code":
		return domain.ErrInvalidCode
	case "Name":
		return domain.ErrInvalidName
	case "Status":
		return domain.ErrInvalidStatus
	case "ParentID", "NewParentID":
		return domain.ErrParentNotFound
	case "ChildID", "ID":
		return domain.ErrDistributorNotFound
	default:
		return err
	}
}
