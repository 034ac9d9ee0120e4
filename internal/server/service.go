package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/auth"
	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/message"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

var (
	errMissingDatabase = errors.New("server: database handle is required")
	errMissingRegistry = errors.New("server: registry is required")
	errMissingTracker  = errors.New("server: tracker is required")
	errMissingCodec    = errors.New("server: codec is required")
)

// SecretProvider issues node secrets on registration.
type SecretProvider interface {
	NewSecret() (string, error)
}

// UUIDSecretProvider derives node secrets from freshly generated UUIDs.
type UUIDSecretProvider struct{}

// NewSecret returns a new random secret.
func (UUIDSecretProvider) NewSecret() (string, error) {
	first, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	second, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(first.String()+second.String(), "-", ""), nil
}

// ServiceConfig assembles the protocol service.
type ServiceConfig struct {
	Database *gorm.DB
	Registry *track.Registry
	Tracker  *journal.Tracker
	Codec    *message.Codec
	Secrets  SecretProvider
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the server side of the protocol: it registers nodes, validates
// and commits pushes, builds pull messages and snapshots, and answers remote
// queries. Push handling is serialized by a single writer lock so version
// assignment stays monotonic.
type Service struct {
	db       *gorm.DB
	registry *track.Registry
	tracker  *journal.Tracker
	codec    *message.Codec
	secrets  SecretProvider
	clock    func() time.Time
	logger   *zap.Logger

	pushMu sync.Mutex
}

// NewService validates the configuration and builds the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Tracker == nil {
		return nil, errMissingTracker
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = UUIDSecretProvider{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		codec:    cfg.Codec,
		secrets:  secrets,
		clock:    clock,
		logger:   logger,
	}, nil
}

// RegisterNode issues fresh credentials. Re-registration simply creates a new
// node row; earlier node rows and their secrets stay valid.
func (s *Service) RegisterNode(ctx context.Context) (journal.Node, error) {
	secret, err := s.secrets.NewSecret()
	if err != nil {
		return journal.Node{}, err
	}
	node := journal.Node{
		Secret:              secret,
		RegisteredAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&node).Error; err != nil {
		return journal.Node{}, err
	}
	s.logger.Info("node registered", zap.Int64("node_id", node.ID))
	return node, nil
}

// NodeSecret returns the stored secret for a node.
func (s *Service) NodeSecret(ctx context.Context, nodeID int64) (string, error) {
	var node journal.Node
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &message.AuthError{Reason: fmt.Sprintf("unknown node %d", nodeID)}
	}
	if err != nil {
		return "", err
	}
	return node.Secret, nil
}

// HandlePush validates a push envelope, rejects it on divergence, and
// otherwise commits every operation atomically under a freshly assigned
// version. Returns the new latest version.
func (s *Service) HandlePush(ctx context.Context, msg *message.PushMessage) (int64, error) {
	secret, err := s.NodeSecret(ctx, msg.NodeID)
	if err != nil {
		return 0, err
	}
	canonical, err := s.codec.CanonicalPushBytes(msg)
	if err != nil {
		return 0, err
	}
	if err := auth.VerifyPayload(secret, canonical, msg.Signature); err != nil {
		return 0, &message.AuthError{Reason: "signature mismatch"}
	}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	latest, err := journal.LatestVersionID(s.db)
	if err != nil {
		return 0, err
	}
	if msg.LastKnownVersion < latest {
		return 0, &message.PushRejectedError{
			LatestVersion:    latest,
			LastKnownVersion: msg.LastKnownVersion,
		}
	}

	resume := s.tracker.Pause()
	defer resume()

	var versionID int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version := journal.Version{
			CreatedAtSeconds: s.clock().UTC().Unix(),
			NodeID:           &msg.NodeID,
		}
		if err := tx.Create(&version).Error; err != nil {
			return err
		}
		if err := s.resolvePushUniques(tx, msg); err != nil {
			return err
		}
		for _, wireOp := range msg.Operations {
			op, err := wireOp.Operation()
			if err != nil {
				return err
			}
			if err := s.applyPushOperation(tx, op, msg.Payloads); err != nil {
				return err
			}
			entry := journal.Operation{
				Kind:      op.Kind,
				TypeID:    op.TypeID,
				RowPK:     op.RowPK,
				VersionID: &version.ID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		versionID = version.ID
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	s.logger.Info("push accepted",
		zap.Int64("node_id", msg.NodeID),
		zap.Int64("version", versionID),
		zap.Int("operations", len(msg.Operations)))
	return versionID, nil
}

func (s *Service) applyPushOperation(tx *gorm.DB, op journal.Operation, payloads message.PayloadMap) error {
	ct, ok := s.registry.ByID(op.TypeID)
	if !ok {
		return fmt.Errorf("%w: %s", track.ErrUnknownContentType, op.TypeID)
	}
	switch op.Kind {
	case journal.OpDelete:
		if err := track.DeleteRow(tx, ct, op.RowPK); err != nil {
			return &message.IntegrityError{Type: ct.ID, PK: op.RowPK, Reason: err.Error()}
		}
	default:
		row, ok := payloads.Get(op.Ref())
		if !ok {
			return fmt.Errorf("%w: missing payload for %s", message.ErrMalformedMessage, op.Ref())
		}
		if err := track.SaveRow(tx, ct, row); err != nil {
			return &message.IntegrityError{Type: ct.ID, PK: op.RowPK, Reason: err.Error()}
		}
	}
	return nil
}

// resolvePushUniques clears the way for pushes that exchange unique values
// across rows. A local row holding values an incoming operation needs is
// deleted upfront when the push carries that row's own final state, since its
// operation will reinsert it; interleaving updates instead would collide
// mid-swap. Foreign-key checks are deferred to the end of the transaction for
// the delete-and-reinsert window.
func (s *Service) resolvePushUniques(tx *gorm.DB, msg *message.PushMessage) error {
	deferred := false
	for _, wireOp := range msg.Operations {
		if wireOp.Kind == string(journal.OpDelete) {
			continue
		}
		ct, ok := s.registry.ByID(wireOp.Type)
		if !ok {
			return fmt.Errorf("%w: %s", track.ErrUnknownContentType, wireOp.Type)
		}
		incoming, ok := msg.Payloads.Get(wireOp.Ref())
		if !ok {
			return fmt.Errorf("%w: missing payload for %s", message.ErrMalformedMessage, wireOp.Ref())
		}
		for _, constraint := range ct.Uniques {
			values := make([]any, len(constraint))
			allNull := true
			for i, column := range constraint {
				values[i] = incoming[column]
				if values[i] != nil {
					allNull = false
				}
			}
			if allNull {
				continue
			}
			localRow, found, err := track.FindRowByValues(tx, ct, constraint, values)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			localPK, err := ct.PK(localRow)
			if err != nil {
				return err
			}
			if localPK == wireOp.PK {
				continue
			}
			if !msg.Payloads.Has(track.Ref{Type: ct.ID, PK: localPK}) {
				// nothing to move the row to; the commit below will fail
				// with an integrity error naming the offender
				continue
			}
			if !deferred {
				if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
					return err
				}
				deferred = true
			}
			if err := track.DeleteRow(tx, ct, localPK); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildPull assembles the message answering a pull: all operations above the
// node's last known version, compressed, with the row payloads the merge will
// need, plus the direct parent rows of every operation's row so delete
// conflicts can be resolved without another round trip. All reads run in one
// transaction that is rolled back at the end, so the operations, payloads and
// latest version come from a single committed state.
func (s *Service) BuildPull(ctx context.Context, req message.PullRequest) (*message.PullMessage, error) {
	db := s.db.WithContext(ctx).Begin()
	if db.Error != nil {
		return nil, db.Error
	}
	defer db.Rollback()
	ops, err := journal.Since(db, req.LastKnownVersion)
	if err != nil {
		return nil, err
	}
	compressed := journal.CompressRemote(ops)

	payloads := message.NewPayloadMap()
	var parents []message.WireRef
	for _, op := range compressed {
		if op.Kind == journal.OpDelete {
			continue
		}
		ct, ok := s.registry.ByID(op.TypeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, op.TypeID)
		}
		row, err := track.FetchRow(db, ct, op.RowPK)
		if err != nil {
			return nil, fmt.Errorf("pull builder: %s: %w", op.Ref(), err)
		}
		payloads.Put(op.Ref(), row)
		addedParents, err := s.attachParents(db, ct, row, payloads)
		if err != nil {
			return nil, err
		}
		parents = append(parents, addedParents...)
	}

	latest, err := journal.LatestVersionID(db)
	if err != nil {
		return nil, err
	}
	wireOps := make([]message.WireOperation, len(compressed))
	for i, op := range compressed {
		wireOps[i] = message.OperationToWire(op)
	}
	return &message.PullMessage{
		LatestVersion:    latest,
		Operations:       wireOps,
		Payloads:         payloads,
		IncludedParents:  parents,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}, nil
}

// attachParents walks the row's foreign keys and includes each referenced
// parent row not already carried by the message.
func (s *Service) attachParents(db *gorm.DB, ct track.ContentType, row track.Row, payloads message.PayloadMap) ([]message.WireRef, error) {
	var added []message.WireRef
	for _, fk := range ct.ForeignKeys {
		value, ok := row[fk.Column]
		if !ok || value == nil {
			continue
		}
		parentPK, ok := value.(int64)
		if !ok {
			continue
		}
		parentRef := track.Ref{Type: fk.RefType, PK: parentPK}
		if payloads.Has(parentRef) {
			continue
		}
		parentCT, ok := s.registry.ByID(fk.RefType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, fk.RefType)
		}
		parentRow, err := track.FetchRow(db, parentCT, parentPK)
		if errors.Is(err, track.ErrRowNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payloads.Put(parentRef, parentRow)
		added = append(added, message.RefToWire(parentRef))
	}
	return added, nil
}

// Snapshot builds the full-database repair message.
func (s *Service) Snapshot(ctx context.Context) (*message.SnapshotMessage, error) {
	db := s.db.WithContext(ctx)
	payloads := message.NewPayloadMap()
	for _, ct := range s.registry.Types() {
		rows, err := track.ListRows(db, ct)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			pk, err := ct.PK(row)
			if err != nil {
				return nil, err
			}
			payloads.Put(track.Ref{Type: ct.ID, PK: pk}, row)
		}
	}
	latest, err := journal.LatestVersionID(db)
	if err != nil {
		return nil, err
	}
	return &message.SnapshotMessage{
		LatestVersion:    latest,
		Payloads:         payloads,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}, nil
}

// QueryRows answers a remote read over one tracked type with equality
// filters.
func (s *Service) QueryRows(ctx context.Context, typeID string, filters map[string]string) (message.PayloadMap, error) {
	ct, ok := s.registry.ByID(typeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", track.ErrUnknownContentType, typeID)
	}
	db := s.db.WithContext(ctx).Table(ct.Table)
	for column, raw := range filters {
		col, ok := ct.Column(column)
		if !ok {
			return nil, fmt.Errorf("%w: column %q of %q", track.ErrInvalidContentType, column, typeID)
		}
		db = db.Where(column+" = ?", filterValue(col.Kind, raw))
	}
	var raws []map[string]any
	if err := db.Order(ct.PKColumn).Find(&raws).Error; err != nil {
		return nil, err
	}
	payloads := message.NewPayloadMap()
	for _, raw := range raws {
		row := track.NormalizeRow(ct, raw)
		pk, err := ct.PK(row)
		if err != nil {
			return nil, err
		}
		payloads.Put(track.Ref{Type: ct.ID, PK: pk}, row)
	}
	return payloads, nil
}

func filterValue(kind track.ColumnKind, raw string) any {
	switch kind {
	case track.KindInteger, track.KindBool:
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err == nil {
			return n
		}
	case track.KindReal:
		var f float64
		if _, err := fmt.Sscanf(raw, "%g", &f); err == nil {
			return f
		}
	}
	return raw
}

// Trim frees space by deleting operations below the oldest of the registered
// nodes' latest pushed versions. Pulls leave no record on the server, so a
// node that never pushed blocks trimming, as the original snapshot it would
// need is no longer reconstructible afterwards.
func (s *Service) Trim(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var nodeIDs []int64
		if err := tx.Model(&journal.Node{}).Pluck("node_id", &nodeIDs).Error; err != nil {
			return err
		}
		floor, err := journal.LatestVersionID(tx)
		if err != nil {
			return err
		}
		for _, nodeID := range nodeIDs {
			var last sql.NullInt64
			err := tx.Model(&journal.Version{}).
				Where("node_id = ?", nodeID).
				Select("MAX(version_id)").Scan(&last).Error
			if err != nil {
				return err
			}
			if !last.Valid {
				s.logger.Warn("trim blocked by node without pushes", zap.Int64("node_id", nodeID))
				return nil
			}
			if last.Int64 < floor {
				floor = last.Int64
			}
		}
		return journal.Trim(tx, floor)
	})
}
