package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/ledgersync/ledgersync/internal/auth"
	"github.com/ledgersync/ledgersync/internal/domain"
	"github.com/ledgersync/ledgersync/internal/remote"
	"github.com/ledgersync/ledgersync/internal/store"
	"github.com/ledgersync/ledgersync/internal/syncer"
	"github.com/ledgersync/ledgersync/internal/vault"
)

// Partition names inside the local databases
const (
	localPartition     = "local"
	auditPartition     = "audit"
	knowledgePartition = "kb"
)

// session holds everything one command invocation works with. It is opened
// lazily by the commands that need the local store and closed before the
// command returns.
type session struct {
	registry  *store.Registry
	local     *store.Conn
	knowledge *store.Conn
	audit     *store.AuditLog

	auth      auth.Provider
	pools     *syncer.CellDispatcher
	engine    *syncer.Engine
	committer *syncer.Committer
	protocol  *vault.Protocol
}

func (s *state) provider() auth.Provider {
	if s.env.Auth != nil {
		return s.env.Auth
	}

	var src auth.Source
	if s.cfg.Auth.Token != "" {
		src = auth.StaticSource{
			Token:     s.cfg.Auth.Token,
			Subject:   s.cfg.Auth.Subject,
			ExpiresAt: s.cfg.Auth.ExpiresAt,
		}
	} else {
		in := s.env.TokenIn
		if in == nil {
			in = os.Stdin
		}
		out := s.env.Stderr
		if out == nil {
			out = os.Stderr
		}
		src = auth.PromptSource{FD: int(in.Fd()), Out: out, Subject: s.cfg.Auth.Subject}
	}
	return auth.NewCachingProvider(src, s.cfg.Auth.SafetyMargin)
}

func (s *state) remoteOptions() []remote.Option {
	return []remote.Option{
		remote.WithRateLimit(s.cfg.Remote.RateLimit, s.cfg.Remote.Burst),
		remote.WithHTTPClient(&http.Client{Timeout: s.cfg.Remote.Timeout}),
	}
}

// open connects to the local databases and wires the engine and the vault
func (s *state) open(ctx context.Context) (_ *session, err error) {
	cfg := s.cfg
	reg := store.NewRegistry(cfg.DataDir)
	defer func() {
		if err != nil {
			checkDeferredErr(&err, "close registry", reg.Close())
		}
	}()

	local, err := reg.Open(ctx, cfg.Database, cfg.SchemaVersion, localPartition)
	if err != nil {
		return nil, err
	}
	auditConn, err := reg.Open(ctx, cfg.Database, cfg.SchemaVersion, auditPartition)
	if err != nil {
		return nil, err
	}
	knowledge, err := reg.Open(ctx, cfg.KnowledgeDatabase, cfg.SchemaVersion, knowledgePartition)
	if err != nil {
		return nil, err
	}

	client := s.env.Client
	if client == nil {
		client = remote.NewSheetsClient(cfg.Remote.BaseURL, s.remoteOptions()...)
	}
	files := s.env.Files
	if files == nil {
		files = remote.NewDriveStore(cfg.Cloud.BaseURL, cfg.Cloud.Space, s.remoteOptions()...)
	}
	provider := s.provider()
	pools := syncer.NewCellDispatcher(local)

	engine, err := syncer.NewEngine(ctx, syncer.Config{
		Tabs:       cfg.Sheet,
		ActiveYear: cfg.ActiveYear,
		FetchRange: cfg.FetchRange,
	}, syncer.Deps{
		Auth:       provider,
		Client:     client,
		Dispatcher: pools,
		Store:      local,
		Now:        s.env.Now,
	})
	if err != nil {
		return nil, err
	}

	protocol, err := vault.NewProtocol(vault.Options{
		Local:         local,
		Knowledge:     knowledge,
		Identity:      vault.NewDeviceIdentity(provider, local),
		ResourceID:    cfg.Sheet.ResourceID,
		Files:         files,
		Auth:          provider,
		CloudFileName: cfg.Cloud.FileName,
		Engine:        vault.NewCryptoEngine(cfg.KDFIterations),
		Now:           s.env.Now,
	})
	if err != nil {
		return nil, err
	}

	return &session{
		registry:  reg,
		local:     local,
		knowledge: knowledge,
		audit:     store.NewAuditLog(auditConn),
		auth:      provider,
		pools:     pools,
		engine:    engine,
		committer: syncer.NewCommitter(engine),
		protocol:  protocol,
	}, nil
}

// Close flushes pending cell writes and closes the databases
func (ss *session) Close() error {
	ss.pools.Wait()
	ss.engine.Wait()
	return ss.registry.Close()
}

// record appends an audit entry; failures only warn
func (ss *session) record(ctx context.Context, opType string, dataset domain.DatasetID, detail string, opErr error) {
	op := &domain.Operation{
		Type:    opType,
		Dataset: string(dataset),
		Detail:  detail,
		Success: opErr == nil,
	}
	if opErr != nil {
		if detail == "" {
			op.Detail = opErr.Error()
		} else {
			op.Detail = detail + ": " + opErr.Error()
		}
	}
	if err := ss.audit.Log(ctx, op); err != nil {
		log.Printf("Warning: failed to write audit entry: %v", err)
	}
}

// withSession opens a session, runs fn and closes the session
func (s *state) withSession(ctx context.Context, fn func(ss *session) error) (err error) {
	ss, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() { checkDeferredErr(&err, "close session", ss.Close()) }()
	return fn(ss)
}
