package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/uplink/internal/clock"
	"github.com/smallbiznis/uplink/internal/config"
	"github.com/smallbiznis/uplink/internal/policy/domain"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Lc    fx.Lifecycle `optional:"true"`
	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository

	current atomic.Pointer[domain.Policy]

	mu       sync.RWMutex
	compiled map[string]*domain.Policy
}

func New(p Params) (domain.Service, error) {
	s := &Service{
		db:       p.DB,
		log:      p.Log.Named("policy.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		compiled: make(map[string]*domain.Policy),
	}

	doc, v, err := loadDocument(p.Cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	policy, err := domain.Compile(doc)
	if err != nil {
		return nil, err
	}
	s.remember(policy)
	s.current.Store(policy)

	if v != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			s.reload(v, e.Name)
		})
		v.WatchConfig()
	}

	if p.Lc != nil {
		p.Lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				_, err := s.Publish(ctx, s.Current().Document())
				return err
			},
		})
	}
	return s, nil
}

// loadDocument reads the policy file through viper, or falls back to the
// default plan when no file is configured.
func loadDocument(path string) (domain.Document, *viper.Viper, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return domain.DefaultDocument(), nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return domain.Document{}, nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := decodeViper(v)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return doc, v, nil
}

func decodeViper(v *viper.Viper) (domain.Document, error) {
	var doc domain.Document
	key := "policy"
	if !v.IsSet(key) {
		key = ""
	}
	var err error
	if key == "" {
		err = v.Unmarshal(&doc)
	} else {
		err = v.UnmarshalKey(key, &doc)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("decode policy file: %w", err)
	}
	return doc, nil
}

func (s *Service) reload(v *viper.Viper, name string) {
	doc, err := decodeViper(v)
	if err != nil {
		s.log.Warn("policy reload failed", zap.String("file", name), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	policy, err := s.Publish(ctx, doc)
	if err != nil {
		s.log.Warn("invalid policy ignored", zap.String("file", name), zap.Error(err))
		return
	}
	s.log.Info("policy reloaded",
		zap.String("file", name),
		zap.String("version", policy.Version),
		zap.Time("effective_from", policy.EffectiveFrom),
	)
}

func (s *Service) Current() *domain.Policy {
	return s.current.Load()
}

func (s *Service) At(ctx context.Context, t time.Time) (*domain.Policy, error) {
	row, err := s.repo.FindEffectiveAt(ctx, s.db, t.UTC())
	if err != nil {
		return nil, err
	}
	if row == nil {
		// nothing was in force yet; the earliest version governs
		row, err = s.repo.FindEarliest(ctx, s.db)
		if err != nil {
			return nil, err
		}
	}
	if row == nil {
		if current := s.Current(); current != nil {
			return current, nil
		}
		return nil, domain.ErrNoPolicy
	}
	return s.fromRow(row)
}

func (s *Service) Version(ctx context.Context, version string) (*domain.Policy, error) {
	if p := s.cached(version); p != nil {
		return p, nil
	}
	row, err := s.repo.FindByVersion(ctx, s.db, strings.TrimSpace(version))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrNoPolicy
	}
	return s.fromRow(row)
}

func (s *Service) Publish(ctx context.Context, doc domain.Document) (*domain.Policy, error) {
	policy, err := domain.Compile(doc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	row := domain.PolicyVersion{
		ID:            s.genID.Generate(),
		Version:       policy.Version,
		EffectiveFrom: policy.EffectiveFrom,
		Document:      datatypes.JSON(raw),
		Checksum:      checksum,
		CreatedAt:     s.clock.Now().UTC(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, &row)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByVersion(ctx, s.db, policy.Version)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Checksum != checksum {
			return nil, fmt.Errorf("%w: %s", domain.ErrVersionConflict, policy.Version)
		}
	}

	s.remember(policy)
	current := s.Current()
	if current == nil || !policy.EffectiveFrom.Before(current.EffectiveFrom) {
		s.current.Store(policy)
	}
	return policy, nil
}

func (s *Service) PublishYAML(ctx context.Context, raw []byte) (*domain.Policy, error) {
	var wrapper struct {
		Policy *domain.Document `yaml:"policy"`
	}
	if err := yaml.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	if wrapper.Policy != nil {
		return s.Publish(ctx, *wrapper.Policy)
	}
	var doc domain.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	return s.Publish(ctx, doc)
}

func (s *Service) List(ctx context.Context) ([]domain.PolicyVersion, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) fromRow(row *domain.PolicyVersion) (*domain.Policy, error) {
	if p := s.cached(row.Version); p != nil {
		return p, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(row.Document, &doc); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", row.Version, err)
	}
	p, err := domain.Compile(doc)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("stored policy %s no longer compiles", row.Version), err)
	}
	s.remember(p)
	return p, nil
}

func (s *Service) cached(version string) *domain.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled[version]
}

func (s *Service) remember(p *domain.Policy) {
	s.mu.Lock()
	s.compiled[p.Version] = p
	s.mu.Unlock()
}
