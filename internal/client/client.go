package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/merge"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var (
	errMissingDatabase = errors.New("client: database handle is required")
	errMissingRegistry = errors.New("client: registry is required")
	errMissingTracker  = errors.New("client: tracker is required")
	errMissingMerger   = errors.New("client: merge engine is required")
	errMissingCodec    = errors.New("client: codec is required")
	errMissingServer   = errors.New("client: server url is required")

	// ErrNotRegistered indicates a sync attempt before node registration.
	ErrNotRegistered = errors.New("client: node is not registered")
	// ErrRetriesExhausted indicates the push/pull loop gave up.
	ErrRetriesExhausted = errors.New("client: sync retries exhausted")
)

// Config assembles a synchronization client.
type Config struct {
	Database    *gorm.DB
	Registry    *track.Registry
	Tracker     *journal.Tracker
	Merger      *merge.Engine
	Codec       *message.Codec
	ServerURL   string
	HTTPClient  *http.Client
	AuthEnabled bool
	SyncRetries int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Client drives the node side of the protocol: register, push, pull with
// merge, repair and the bounded retry loop combining them. The caller must
// serialize these procedures against its own application transactions.
type Client struct {
	db          *gorm.DB
	registry    *track.Registry
	tracker     *journal.Tracker
	merger      *merge.Engine
	codec       *message.Codec
	serverURL   string
	httpClient  *http.Client
	authEnabled bool
	syncRetries int
	clock       func() time.Time
	logger      *zap.Logger

	tokenMu sync.Mutex
	token   string
}

// New validates the configuration and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Merger == nil {
		return nil, errMissingMerger
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	if cfg.ServerURL == "" {
		return nil, errMissingServer
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retries := cfg.SyncRetries
	if retries <= 0 {
		retries = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		db:          cfg.Database,
		registry:    cfg.Registry,
		tracker:     cfg.Tracker,
		merger:      cfg.Merger,
		codec:       cfg.Codec,
		serverURL:   cfg.ServerURL,
		httpClient:  httpClient,
		authEnabled: cfg.AuthEnabled,
		syncRetries: retries,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Register requests fresh credentials and stores them, replacing any previous
// registration.
func (c *Client) Register(ctx context.Context, extraData json.RawMessage) (journal.Node, error) {
	body := []byte("{}")
	if len(extraData) > 0 {
		payload, err := json.Marshal(map[string]json.RawMessage{"extra_data": extraData})
		if err != nil {
			return journal.Node{}, err
		}
		body = payload
	}
	status, response, err := c.postJSON(ctx, "/register", body)
	if err != nil {
		return journal.Node{}, err
	}
	if status != http.StatusOK {
		return journal.Node{}, decodeError(status, response)
	}
	var decoded message.RegisterResponse
	if err := json.Unmarshal(response, &decoded); err != nil {
		return journal.Node{}, fmt.Errorf("%w: %v", message.ErrMalformedMessage, err)
	}

	node := journal.Node{
		ID:                  decoded.NodeID,
		Secret:              decoded.Secret,
		RegisteredAtSeconds: decoded.RegisteredAtSeconds,
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&journal.Node{}).Error; err != nil {
			return err
		}
		return tx.Create(&node).Error
	})
	if err != nil {
		return journal.Node{}, err
	}
	c.invalidateToken()
	c.logger.Info("node registered", zap.Int64("node_id", node.ID))
	return node, nil
}

// IsRegistered reports whether credentials are stored locally.
func (c *Client) IsRegistered() bool {
	node, err := c.node()
	return err == nil && node.Secret != ""
}

func (c *Client) node() (journal.Node, error) {
	var node journal.Node
	err := c.db.Order("node_id").First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return journal.Node{}, ErrNotRegistered
	}
	if err != nil {
		return journal.Node{}, err
	}
	return node, nil
}

// LastKnownVersion returns the newest version in the local ledger.
func (c *Client) LastKnownVersion() (int64, error) {
	return journal.LatestVersionID(c.db)
}

// Push compresses the unversioned journal, assembles and signs the envelope,
// and posts it. On acceptance the pushed entries leave the journal and the
// assigned version joins the local ledger. With nothing to push it returns
// the current version untouched.
func (c *Client) Push(ctx context.Context) (int64, error) {
	node, err := c.node()
	if err != nil {
		return 0, err
	}

	var msg *message.PushMessage
	var pushedOps []journal.Operation
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ops, _, err := journal.Compact(tx, c.registry, c.logger)
		if err != nil {
			return err
		}
		pushedOps = ops
		if len(ops) == 0 {
			return nil
		}
		msg, err = c.buildPushMessage(tx, node, ops)
		return err
	})
	if err != nil {
		return 0, err
	}
	if msg == nil {
		return journal.LatestVersionID(c.db)
	}

	body, err := c.codec.EncodePush(msg)
	if err != nil {
		return 0, err
	}
	status, response, err := c.postJSON(ctx, "/push", body)
	if err != nil {
		return 0, err
	}
	if status == http.StatusUnauthorized && c.authEnabled {
		c.invalidateToken()
		status, response, err = c.postJSON(ctx, "/push", body)
		if err != nil {
			return 0, err
		}
	}
	if status != http.StatusOK {
		return 0, decodeError(status, response)
	}
	var accepted message.PushResponse
	if err := json.Unmarshal(response, &accepted); err != nil {
		return 0, fmt.Errorf("%w: %v", message.ErrMalformedMessage, err)
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := journal.Delete(tx, pushedOps); err != nil {
			return err
		}
		return journal.RecordVersion(tx, accepted.LatestVersion, c.clock().UTC().Unix(), &node.ID)
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info("push accepted",
		zap.Int64("version", accepted.LatestVersion),
		zap.Int("operations", len(msg.Operations)))
	return accepted.LatestVersion, nil
}

func (c *Client) buildPushMessage(tx *gorm.DB, node journal.Node, ops []journal.Operation) (*message.PushMessage, error) {
	lastKnown, err := journal.LatestVersionID(tx)
	if err != nil {
		return nil, err
	}
	payloads := message.NewPayloadMap()
	wireOps := make([]message.WireOperation, len(ops))
	for i, op := range ops {
		wireOps[i] = message.OperationToWire(op)
		if op.Kind == journal.OpDelete {
			continue
		}
		ct, ok := c.registry.ByID(op.TypeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, op.TypeID)
		}
		row, err := track.FetchRow(tx, ct, op.RowPK)
		if err != nil {
			return nil, fmt.Errorf("push builder: %s: %w", op.Ref(), err)
		}
		payloads.Put(op.Ref(), row)
	}

	msg := &message.PushMessage{
		NodeID:           node.ID,
		LastKnownVersion: lastKnown,
		Operations:       wireOps,
		Payloads:         payloads,
		CreatedAtSeconds: c.clock().UTC().Unix(),
	}
	canonical, err := c.codec.CanonicalPushBytes(msg)
	if err != nil {
		return nil, err
	}
	signature, err := auth.SignPayload(node.Secret, canonical)
	if err != nil {
		return nil, err
	}
	msg.Signature = signature
	return msg, nil
}

// Pull posts the node's last known version and merges the server's answer.
func (c *Client) Pull(ctx context.Context, extraData json.RawMessage) error {
	node, err := c.node()
	if err != nil {
		return err
	}
	lastKnown, err := journal.LatestVersionID(c.db)
	if err != nil {
		return err
	}
	body, err := json.Marshal(message.PullRequest{
		NodeID:           node.ID,
		LastKnownVersion: lastKnown,
		ExtraData:        extraData,
	})
	if err != nil {
		return err
	}
	status, response, err := c.postJSON(ctx, "/pull", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, response)
	}
	msg, err := c.codec.DecodePull(response)
	if err != nil {
		return err
	}
	if err := c.merger.Merge(ctx, c.db, msg); err != nil {
		return err
	}
	c.logger.Info("pull merged",
		zap.Int64("latest_version", msg.LatestVersion),
		zap.Int("operations", len(msg.Operations)))
	return nil
}

// Repair discards the tracked rows, the journal and the version ledger and
// replaces them with a server snapshot; the node's credentials are kept. The
// rescue path when synchronization state is beyond recovery.
func (c *Client) Repair(ctx context.Context) error {
	status, response, err := c.getJSON(ctx, "/repair", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, response)
	}
	snapshot, err := c.codec.DecodeSnapshot(response)
	if err != nil {
		return err
	}

	resume := c.tracker.Pause()
	defer resume()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
			return err
		}
		for _, ct := range c.registry.Types() {
			if err := tx.Exec("DELETE FROM " + ct.Table).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("1 = 1").Delete(&journal.Operation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&journal.Version{}).Error; err != nil {
			return err
		}
		for _, ct := range c.registry.Types() {
			rows := snapshot.Payloads[ct.ID]
			for _, ref := range snapshot.Payloads.Refs() {
				if ref.Type != ct.ID {
					continue
				}
				if err := track.InsertRow(tx, ct, rows[ref.PK]); err != nil {
					return err
				}
			}
		}
		if snapshot.LatestVersion > 0 {
			return journal.RecordVersion(tx, snapshot.LatestVersion, c.clock().UTC().Unix(), nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("local database repaired", zap.Int64("latest_version", snapshot.LatestVersion))
	return nil
}

// Sync runs the canonical loop: push, and on divergence pull (the merge runs
// inside) before pushing again. Unsolvable constraint conflicts surface
// immediately; other rejections retry up to the configured bound.
func (c *Client) Sync(ctx context.Context) error {
	for attempt := 0; attempt < c.syncRetries; attempt++ {
		_, err := c.Push(ctx)
		if err == nil {
			return nil
		}
		var rejected *message.PushRejectedError
		if !errors.As(err, &rejected) {
			return err
		}
		c.logger.Info("push rejected, pulling",
			zap.Int64("server_version", rejected.LatestVersion))
		if err := c.Pull(ctx, nil); err != nil {
			return err
		}
	}
	return ErrRetriesExhausted
}

// UnsyncedObject describes one row with local changes not yet pushed.
type UnsyncedObject struct {
	Ref  track.Ref
	Kind journal.OpKind
}

// UnsyncedObjects compacts the journal and lists what would be pushed.
func (c *Client) UnsyncedObjects(ctx context.Context) ([]UnsyncedObject, error) {
	var objects []UnsyncedObject
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ops, _, err := journal.Compact(tx, c.registry, c.logger)
		if err != nil {
			return err
		}
		for _, op := range ops {
			objects = append(objects, UnsyncedObject{Ref: op.Ref(), Kind: op.Kind})
		}
		return nil
	})
	return objects, err
}

// IsConnected reports whether the server answers at all.
func (c *Client) IsConnected(ctx context.Context) bool {
	status, _, err := c.getJSON(ctx, "/ping", nil)
	return err == nil && status > 0
}

// ServerReady reports whether the server answers the ping with success.
func (c *Client) ServerReady(ctx context.Context) bool {
	status, _, err := c.getJSON(ctx, "/ping", nil)
	return err == nil && status/100 == 2
}
